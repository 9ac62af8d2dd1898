package core

import (
	"StabilityPool/internal/observability"
	"fmt"
	"sort"
	"strings"
)

// SequencePolicy decides how a partition's source sequences are checked.
type SequencePolicy int

const (
	// PolicyStrict requires exactly expected, expected+1, ... (NATS streams).
	PolicyStrict SequencePolicy = iota

	// PolicyMonotonic requires increasing sequences but tolerates gaps.
	PolicyMonotonic

	// PolicyAssigned partitions have no upstream ordering; the core stamps
	// the next sequence on events that arrive without one (API commands).
	PolicyAssigned
)

// SequenceValidator validates source sequences per partition.
// Not thread-safe: the core serializes access.
type SequenceValidator struct {
	expectedNextSeq map[string]int64 // partition -> next expected sequence
	policies        map[string]SequencePolicy
	metrics         *observability.Metrics

	// resync partitions accept a forward jump once: a rejected event's
	// sequence is consumed live but never reaches the log, so a partition
	// rebuilt from the log may trail upstream.
	resync map[string]bool

	// relaxed treats every partition as monotonic (log replay)
	relaxed bool
}

func NewSequenceValidator(metrics *observability.Metrics) *SequenceValidator {
	return &SequenceValidator{
		expectedNextSeq: make(map[string]int64),
		policies:        make(map[string]SequencePolicy),
		metrics:         metrics,
		resync:          make(map[string]bool),
	}
}

// SetPolicy assigns a policy to a partition, or to every partition under a
// prefix ending in "*".
func (sv *SequenceValidator) SetPolicy(partition string, policy SequencePolicy) {
	sv.policies[partition] = policy
}

// Policy returns the policy in force for partition.
func (sv *SequenceValidator) Policy(partition string) SequencePolicy {
	if p, ok := sv.policies[partition]; ok {
		return p
	}
	best, policy := -1, PolicyStrict
	for pattern, p := range sv.policies {
		if !strings.HasSuffix(pattern, "*") {
			continue
		}
		prefix := strings.TrimSuffix(pattern, "*")
		if strings.HasPrefix(partition, prefix) && len(prefix) > best {
			best, policy = len(prefix), p
		}
	}
	return policy
}

// Next returns the sequence the partition expects next.
func (sv *SequenceValidator) Next(partition string) int64 {
	return sv.expectedNextSeq[partition]
}

// ValidateSequence checks source sequence ordering and advances the partition.
// The first event seen on a partition sets its baseline.
func (sv *SequenceValidator) ValidateSequence(
	partition string,
	sourceSequence int64,
	isDuplicate bool,
) error {
	expected, known := sv.expectedNextSeq[partition]
	if !known {
		sv.expectedNextSeq[partition] = sourceSequence + 1
		return nil
	}

	if sourceSequence < expected {
		if isDuplicate {
			return nil
		}
		sv.recordOutOfOrder(partition)
		return fmt.Errorf("out-of-order event: partition=%s, expected=%d, got=%d",
			partition, expected, sourceSequence)
	}

	if sourceSequence == expected {
		sv.expectedNextSeq[partition] = expected + 1
		delete(sv.resync, partition)
		return nil
	}

	// sourceSequence > expected
	sv.recordGap(partition)
	if !sv.relaxed && !sv.resync[partition] && sv.Policy(partition) == PolicyStrict {
		return fmt.Errorf("sequence gap: partition=%s, expected=%d, got=%d",
			partition, expected, sourceSequence)
	}
	sv.expectedNextSeq[partition] = sourceSequence + 1
	delete(sv.resync, partition)
	return nil
}

// SetRelaxed toggles gap tolerance on every partition.
func (sv *SequenceValidator) SetRelaxed(relaxed bool) {
	sv.relaxed = relaxed
}

// MarkResync lets every known partition skip forward once.
func (sv *SequenceValidator) MarkResync() {
	for p := range sv.expectedNextSeq {
		sv.resync[p] = true
	}
}

// RestorePartition sets the next expected sequence (used during recovery)
func (sv *SequenceValidator) RestorePartition(partition string, next int64) {
	sv.expectedNextSeq[partition] = next
}

// GetAllPartitions returns a copy of every partition's next expected sequence.
func (sv *SequenceValidator) GetAllPartitions() map[string]int64 {
	out := make(map[string]int64, len(sv.expectedNextSeq))
	for k, v := range sv.expectedNextSeq {
		out[k] = v
	}
	return out
}

// Partitions lists known partitions in order.
func (sv *SequenceValidator) Partitions() []string {
	names := make([]string, 0, len(sv.expectedNextSeq))
	for k := range sv.expectedNextSeq {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

func (sv *SequenceValidator) recordGap(partition string) {
	if sv.metrics != nil {
		sv.metrics.EventSequenceGap.WithLabelValues(partition).Inc()
	}
}

func (sv *SequenceValidator) recordOutOfOrder(partition string) {
	if sv.metrics != nil {
		sv.metrics.EventOutOfOrder.WithLabelValues(partition).Inc()
	}
}
