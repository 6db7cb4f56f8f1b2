package aggregate

import "fmt"

// AggregationFault attributes a failed reduction to the child that
// caused it. Leaf is the leftmost leaf index of the failing subtree and
// Shard the shard number its proof claims.
type AggregationFault struct {
	Leaf  int
	Shard uint32
	Cause error
}

func (f *AggregationFault) Error() string {
	return fmt.Sprintf("aggregation fault at leaf %d (shard %d): %v", f.Leaf, f.Shard, f.Cause)
}

func (f *AggregationFault) Unwrap() error {
	return f.Cause
}
