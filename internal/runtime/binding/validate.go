package binding

import (
	"strings"

	errspkg "github.com/drblury/flowbind/internal/runtime/errors"
)

const (
	ruleNoHandle          = "binding has no handler function"
	rulePublisherShape    = "publisher must produce a stream"
	ruleSubscriberShape   = "subscriber must consume a stream"
	ruleTopicEmpty        = "topic must not be empty"
	ruleNameEmpty         = "name must not be empty"
	ruleCountNegative     = "partition count must not be negative"
	ruleOffsetTwice       = "at most one offset parameter is allowed"
	ruleOffsetOnSubscribe = "offset parameter is only valid on publishers"
	rulePartitionCount    = "partitioned binding needs exactly one partition parameter"
	rulePartitionUnused   = "partition parameter requires a partitioned binding"
	ruleUnknownParam      = "unknown parameter"
	ruleRateOnSubscribe   = "rate limit is only valid on publishers"
	ruleRateNegative      = "rate limit must not be negative"
	ruleDuplicateName     = "duplicate binding name"
)

func (d *Declaration) validate(name string) []*errspkg.BindingValidationError {
	var errs []*errspkg.BindingValidationError
	fail := func(rule string) {
		errs = append(errs, &errspkg.BindingValidationError{Binding: name, Rule: rule})
	}

	switch {
	case d.source == nil && d.sink == nil && d.processor == nil:
		fail(ruleNoHandle)
	case d.direction == Publishes && d.source == nil:
		fail(rulePublisherShape)
	case d.direction == Subscribes && d.sink == nil && d.processor == nil:
		fail(ruleSubscriberShape)
	}

	errs = append(errs, d.validateMarkers(name)...)

	var offsets, partitions int
	for _, p := range d.params {
		switch p {
		case ParamOffset:
			offsets++
		case ParamPartition:
			partitions++
		default:
			fail(ruleUnknownParam)
		}
	}
	if offsets > 1 {
		fail(ruleOffsetTwice)
	}
	if offsets > 0 && d.direction != Publishes {
		fail(ruleOffsetOnSubscribe)
	}
	if d.partitioned && partitions != 1 {
		fail(rulePartitionCount)
	}
	if !d.partitioned && partitions > 0 {
		fail(rulePartitionUnused)
	}

	if d.rateLimit < 0 || d.burst < 0 {
		fail(ruleRateNegative)
	}
	if d.rateLimit > 0 && d.direction != Publishes {
		fail(ruleRateOnSubscribe)
	}
	return errs
}

// validateMarkers checks what a declaration says about its stream, leaving out
// the handler. Handlerless streams are held to these rules alone.
func (d *Declaration) validateMarkers(name string) []*errspkg.BindingValidationError {
	var errs []*errspkg.BindingValidationError
	fail := func(rule string) {
		errs = append(errs, &errspkg.BindingValidationError{Binding: name, Rule: rule})
	}
	if strings.TrimSpace(d.topic) == "" {
		fail(ruleTopicEmpty)
	}
	if strings.TrimSpace(name) == "" {
		fail(ruleNameEmpty)
	}
	if d.count < 0 {
		fail(ruleCountNegative)
	}
	return errs
}
