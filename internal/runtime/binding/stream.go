package binding

import (
	"fmt"

	"github.com/drblury/flowbind/internal/runtime/codec"
	errspkg "github.com/drblury/flowbind/internal/runtime/errors"
)

// Stream declares a topic without a handler, for callers that publish or
// consume directly. It takes the markers of a binding (Named, Partitioned,
// WithCodec) and Resolve checks them with the same rules.
func Stream(topic string) *Declaration {
	return &Declaration{topic: topic}
}

// StreamShape is a handlerless declaration that passed validation.
type StreamShape struct {
	Name           string
	Topic          string
	Partitioned    bool
	PartitionCount int
	Codec          codec.Codec
}

// Resolve validates d as a handlerless stream. A single violation comes back
// as a BindingValidationError, several as a ValidationErrors batch.
func (d *Declaration) Resolve() (StreamShape, error) {
	violations := d.validateMarkers(d.name)
	switch len(violations) {
	case 0:
	case 1:
		return StreamShape{}, violations[0]
	default:
		return StreamShape{}, &errspkg.ValidationErrors{Errors: violations}
	}
	c := d.codec
	if c == nil {
		c = codec.JSON
	}
	return StreamShape{
		Name:           d.name,
		Topic:          d.topic,
		Partitioned:    d.partitioned,
		PartitionCount: d.count,
		Codec:          c,
	}, nil
}

// CheckPartition reports whether partition may be opened on the stream.
func (s StreamShape) CheckPartition(partition int) error {
	return checkPartition(s.Name, s.Partitioned, s.PartitionCount, partition)
}

// CheckPartition reports whether a pipeline may run on partition.
func (d Descriptor) CheckPartition(partition int) error {
	return checkPartition(d.QualifiedName(), d.Partitioned, d.PartitionCount, partition)
}

func checkPartition(name string, partitioned bool, count, partition int) error {
	switch {
	case !partitioned:
		if partition != NoPartition {
			return fmt.Errorf("%w: %s is not partitioned, got %d", errspkg.ErrPartitionOutOfRange, name, partition)
		}
	case count > 0:
		if partition < 0 || partition >= count {
			return fmt.Errorf("%w: %s has %d partitions, got %d", errspkg.ErrPartitionOutOfRange, name, count, partition)
		}
	default:
		if partition < NoPartition {
			return fmt.Errorf("%w: %s got partition %d", errspkg.ErrPartitionOutOfRange, name, partition)
		}
	}
	return nil
}
