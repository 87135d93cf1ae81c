// Copyright 2020 Kentaro Hibino. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package swarmq

import (
	"fmt"
	"strings"
	"time"

	"github.com/priyansh/swarmq/internal/errors"
)

// OptionType describes the category of an Option.
type OptionType int

const (
	MaxRetriesOpt OptionType = iota
	TimeoutOpt
	BackoffOpt
	ProcessAtOpt
	ProcessInOpt
	RetentionOpt
	JobIDOpt
)

// Option configures how a job is enqueued and processed.
type Option interface {
	// String returns a string representation of the option.
	String() string

	// Type describes the type of the option.
	Type() OptionType

	// Value returns a value used to create this option.
	Value() interface{}
}

type (
	maxRetriesOption int
	timeoutOption    time.Duration
	backoffOption    time.Duration
	processAtOption  time.Time
	processInOption  time.Duration
	retentionOption  time.Duration
	jobIDOption      string
)

// MaxRetries returns an option to specify how many times a job may be
// retried after its first failed attempt.
//
// Negative values are treated as zero.
func MaxRetries(n int) Option {
	if n < 0 {
		n = 0
	}
	return maxRetriesOption(n)
}

func (n maxRetriesOption) String() string     { return fmt.Sprintf("MaxRetries(%d)", int(n)) }
func (n maxRetriesOption) Type() OptionType   { return MaxRetriesOpt }
func (n maxRetriesOption) Value() interface{} { return int(n) }

// Timeout returns an option to specify how long a single processing
// attempt may run before it is cancelled.
func Timeout(d time.Duration) Option {
	return timeoutOption(d)
}

func (d timeoutOption) String() string     { return fmt.Sprintf("Timeout(%v)", time.Duration(d)) }
func (d timeoutOption) Type() OptionType   { return TimeoutOpt }
func (d timeoutOption) Value() interface{} { return time.Duration(d) }

// Backoff returns an option to specify the base delay between retries.
// The delay before attempt n+1 is backoff doubled n-1 times.
func Backoff(d time.Duration) Option {
	return backoffOption(d)
}

func (d backoffOption) String() string     { return fmt.Sprintf("Backoff(%v)", time.Duration(d)) }
func (d backoffOption) Type() OptionType   { return BackoffOpt }
func (d backoffOption) Value() interface{} { return time.Duration(d) }

// ProcessAt returns an option to specify when a job becomes eligible
// for processing.
func ProcessAt(t time.Time) Option {
	return processAtOption(t)
}

func (t processAtOption) String() string {
	return fmt.Sprintf("ProcessAt(%v)", time.Time(t).Format(time.UnixDate))
}
func (t processAtOption) Type() OptionType   { return ProcessAtOpt }
func (t processAtOption) Value() interface{} { return time.Time(t) }

// ProcessIn returns an option to specify how far in the future a job
// becomes eligible for processing.
func ProcessIn(d time.Duration) Option {
	return processInOption(d)
}

func (d processInOption) String() string     { return fmt.Sprintf("ProcessIn(%v)", time.Duration(d)) }
func (d processInOption) Type() OptionType   { return ProcessInOpt }
func (d processInOption) Value() interface{} { return time.Duration(d) }

// Retention returns an option to specify how long a completed job record
// is kept before the janitor deletes it.
func Retention(d time.Duration) Option {
	return retentionOption(d)
}

func (d retentionOption) String() string     { return fmt.Sprintf("Retention(%v)", time.Duration(d)) }
func (d retentionOption) Type() OptionType   { return RetentionOpt }
func (d retentionOption) Value() interface{} { return time.Duration(d) }

// ErrInvalidJobID indicates the given job id is empty or whitespace only.
var ErrInvalidJobID = errors.New("job id must contain at least one non-whitespace character")

// JobID returns an option to specify the id of a job instead of the
// generated one. Enqueueing a second job with an id already present in
// the queue fails with ErrDuplicateJob.
func JobID(id string) Option {
	return jobIDOption(id)
}

func (id jobIDOption) String() string     { return fmt.Sprintf("JobID(%q)", string(id)) }
func (id jobIDOption) Type() OptionType   { return JobIDOpt }
func (id jobIDOption) Value() interface{} { return string(id) }

// option holds the per-job settings after all options are applied.
type option struct {
	maxRetries int
	timeout    time.Duration
	backoff    time.Duration
	processAt  time.Time
	retention  time.Duration
	jobID      string
}

// composeOptions merges the given options onto the defaults, with later
// options overriding earlier ones.
func composeOptions(defaults option, opts ...Option) (option, error) {
	res := defaults
	for _, opt := range opts {
		switch opt := opt.(type) {
		case maxRetriesOption:
			res.maxRetries = int(opt)
		case timeoutOption:
			res.timeout = time.Duration(opt)
		case backoffOption:
			res.backoff = time.Duration(opt)
		case processAtOption:
			res.processAt = time.Time(opt)
		case processInOption:
			res.processAt = time.Now().Add(time.Duration(opt))
		case retentionOption:
			res.retention = time.Duration(opt)
		case jobIDOption:
			id := string(opt)
			if isBlank(id) {
				return option{}, errors.E(errors.Op("composeOptions"), ErrInvalidJobID)
			}
			res.jobID = id
		default:
			// ignore unexpected option
		}
	}
	return res, nil
}

// isBlank reports whether the given string is empty or consists of
// whitespace only.
func isBlank(s string) bool {
	return strings.TrimSpace(s) == ""
}
