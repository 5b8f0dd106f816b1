package node

import (
	"golang.org/x/exp/slices"
)

// DefaultExecutors is the number of executors of a node whose config does not say otherwise.
const DefaultExecutors = 6

// Node is a place runs execute. Executors bound how many runs it may host at once.
type Node struct {
	Name          string
	NumExecutors  int
	BusyExecutors int
	Tags          []string
}

func NewNode(name string, executors int, tags []string) *Node {
	return &Node{
		Name:         name,
		NumExecutors: executors,
		Tags:         tags,
	}
}

// Available returns true if the node has a free executor.
func (n *Node) Available() bool {
	return n.BusyExecutors < n.NumExecutors
}

// Acquire takes an executor, returning false if none is free.
func (n *Node) Acquire() bool {
	if !n.Available() {
		return false
	}
	n.BusyExecutors++
	return true
}

func (n *Node) Release() {
	if n.BusyExecutors > 0 {
		n.BusyExecutors--
	}
}

// CanQueue returns true if a job with the given tags may run here.
// Untagged nodes only accept untagged jobs; tagged jobs need a node sharing at least one tag.
func (n *Node) CanQueue(jobTags []string) bool {
	if len(jobTags) == 0 {
		return len(n.Tags) == 0
	}
	for _, tag := range jobTags {
		if slices.Contains(n.Tags, tag) {
			return true
		}
	}
	return false
}
