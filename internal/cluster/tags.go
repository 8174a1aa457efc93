package cluster

import (
	"sync/atomic"

	"flowmesh/dataflow-runtime/pkg/types"
)

// TagIndex is the secondary tag <-> endpoint index derived from the tags
// supplied at connect time. It shares the registry's snapshot, so it always
// equals the projection of the registry's tag metadata; entries appear when
// a connection is added and disappear when it is removed.
type TagIndex struct {
	state *atomic.Pointer[clusterState]
}

// WorkersWith returns the endpoints carrying the given tag.
func (t *TagIndex) WorkersWith(tag types.Tag) []types.Endpoint {
	cur := t.state.Load()
	eps := cur.endpointsByTag[tag]
	out := make([]types.Endpoint, 0, len(eps))
	for ep := range eps {
		out = append(out, ep)
	}
	return out
}

// OfWorker returns the tags attached to the given endpoint.
func (t *TagIndex) OfWorker(endpoint types.Endpoint) []types.Tag {
	cur := t.state.Load()
	tags := cur.tagsByEndpoint[endpoint]
	out := make([]types.Tag, 0, len(tags))
	for tag := range tags {
		out = append(out, tag)
	}
	return out
}

// OfAllWorkers returns the tags of every tagged endpoint.
func (t *TagIndex) OfAllWorkers() map[types.Endpoint][]types.Tag {
	cur := t.state.Load()
	out := make(map[types.Endpoint][]types.Tag, len(cur.tagsByEndpoint))
	for ep, tags := range cur.tagsByEndpoint {
		list := make([]types.Tag, 0, len(tags))
		for tag := range tags {
			list = append(list, tag)
		}
		out[ep] = list
	}
	return out
}
