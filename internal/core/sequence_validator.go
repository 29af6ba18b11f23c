package core

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"GratisLedger/internal/observability"
	"GratisLedger/internal/oracle"
)

var ErrOutOfOrder = errors.New("core: out-of-order event")

const pricePartition = "price:snapshot"

// SequenceValidator tracks the last applied source sequence per partition.
// Checks never mutate; Advance is called only once the event has been
// applied, so a rejected event leaves the partition untouched.
// Not thread-safe: only accessed from the core goroutine.
type SequenceValidator struct {
	last    map[string]int64
	metrics *observability.Metrics
	logger  zerolog.Logger
}

func NewSequenceValidator(metrics *observability.Metrics, logger zerolog.Logger) *SequenceValidator {
	return &SequenceValidator{
		last:    make(map[string]int64),
		metrics: metrics,
		logger:  logger,
	}
}

// Check validates a sequenced event. Gaps are accepted and counted: upstream
// producers may drop commands that failed their own validation.
func (sv *SequenceValidator) Check(partition string, sourceSequence int64) error {
	last, seen := sv.last[partition]
	if !seen {
		return nil
	}
	if sourceSequence <= last {
		if sv.metrics != nil {
			sv.metrics.EventOutOfOrder.WithLabelValues(partitionLabel(partition)).Inc()
		}
		return fmt.Errorf("%w: partition=%s, last=%d, got=%d", ErrOutOfOrder, partition, last, sourceSequence)
	}
	if sourceSequence > last+1 {
		sv.logger.Debug().
			Str("partition", partition).
			Int64("last", last).
			Int64("got", sourceSequence).
			Msg("source sequence gap")
		if sv.metrics != nil {
			sv.metrics.EventSequenceGap.WithLabelValues(partitionLabel(partition)).Inc()
		}
	}
	return nil
}

// Advance records sourceSequence as the partition's last applied sequence
func (sv *SequenceValidator) Advance(partition string, sourceSequence int64) {
	sv.last[partition] = sourceSequence
}

// CheckPriceTimestamp rejects price snapshots older than the last applied
// one. An equal timestamp is accepted.
func (sv *SequenceValidator) CheckPriceTimestamp(timestamp uint64) error {
	last, seen := sv.last[pricePartition]
	if seen && int64(timestamp) < last {
		if sv.metrics != nil {
			sv.metrics.OracleStaleRejected.Inc()
		}
		return fmt.Errorf("%w: last=%d, got=%d", oracle.ErrStaleSnapshot, last, timestamp)
	}
	return nil
}

func (sv *SequenceValidator) AdvancePrice(timestamp uint64) {
	sv.last[pricePartition] = int64(timestamp)
}

// LastSequence returns the last applied sequence for a partition
func (sv *SequenceValidator) LastSequence(partition string) (int64, bool) {
	v, ok := sv.last[partition]
	return v, ok
}

// Partitions returns a copy of all partition state for snapshots
func (sv *SequenceValidator) Partitions() map[string]int64 {
	out := make(map[string]int64, len(sv.last))
	for k, v := range sv.last {
		out[k] = v
	}
	return out
}

// RestorePartitions replaces all partition state
func (sv *SequenceValidator) RestorePartitions(state map[string]int64) {
	sv.last = make(map[string]int64, len(state))
	for k, v := range state {
		sv.last[k] = v
	}
}

// partitionLabel keeps metric cardinality bounded: account ids are dropped.
func partitionLabel(partition string) string {
	for i := 0; i < len(partition); i++ {
		if partition[i] == ':' {
			return partition[:i]
		}
	}
	return partition
}
