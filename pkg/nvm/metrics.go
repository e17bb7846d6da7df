// Copyright 2024 The nvmalloc-go Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package nvm

import (
	"context"

	"go.opencensus.io/stats"
	"go.opencensus.io/stats/view"
	"go.opencensus.io/tag"
)

// Metrics records allocator activity as OpenCensus measures, adapted
// from the teacher's pkg/sentry/fsmetric: a handful of cumulative
// counters recorded at the same call sites the source's LOG() macro
// traces at. Unlike fsmetric these are per-Allocator rather than
// process-global, since more than one Allocator can exist in a test
// binary.
type Metrics struct {
	idTag tag.Mutator
}

var (
	mCarriersAllocated = stats.Int64("nvm/carriers_allocated", "Carriers allocated", stats.UnitDimensionless)
	mBytesBumpAlloc    = stats.Int64("nvm/bytes_bump_allocated", "Bytes handed out by carrier bump allocation", stats.UnitBytes)
	mPmallocCalls      = stats.Int64("nvm/pmalloc_calls", "pmalloc invocations", stats.UnitDimensionless)
	mPmallocFailures   = stats.Int64("nvm/pmalloc_failures", "pmalloc calls that returned nil", stats.UnitDimensionless)
	mPfreeCalls        = stats.Int64("nvm/pfree_calls", "pfree invocations", stats.UnitDimensionless)
	mFreelistHits      = stats.Int64("nvm/freelist_hits", "pmalloc calls served from a non-empty freelist", stats.UnitDimensionless)
	mDumpCount         = stats.Int64("nvm/dump_count", "pdump invocations that actually wrote a file", stats.UnitDimensionless)
	mDumpBytes         = stats.Int64("nvm/dump_bytes_written", "Total bytes written across all dumps", stats.UnitBytes)
	mRestoreCount      = stats.Int64("nvm/restore_count", "pinit calls that restored a dump", stats.UnitDimensionless)

	allocatorIDKey = tag.MustNewKey("allocator_id")
)

// RegisterViews installs the default aggregation views for every
// allocator metric. It is idempotent; call it once per process before
// any Allocator is created if metric export is desired.
func RegisterViews() error {
	return view.Register(
		&view.View{Name: "nvm/carriers_allocated", Measure: mCarriersAllocated, Aggregation: view.Sum()},
		&view.View{Name: "nvm/bytes_bump_allocated", Measure: mBytesBumpAlloc, Aggregation: view.Sum()},
		&view.View{Name: "nvm/pmalloc_calls", Measure: mPmallocCalls, Aggregation: view.Count()},
		&view.View{Name: "nvm/pmalloc_failures", Measure: mPmallocFailures, Aggregation: view.Count()},
		&view.View{Name: "nvm/pfree_calls", Measure: mPfreeCalls, Aggregation: view.Count()},
		&view.View{Name: "nvm/freelist_hits", Measure: mFreelistHits, Aggregation: view.Count()},
		&view.View{Name: "nvm/dump_count", Measure: mDumpCount, Aggregation: view.Count()},
		&view.View{Name: "nvm/dump_bytes_written", Measure: mDumpBytes, Aggregation: view.Sum()},
		&view.View{Name: "nvm/restore_count", Measure: mRestoreCount, Aggregation: view.Count()},
	)
}

func newMetrics(id string) *Metrics {
	return &Metrics{idTag: tag.Upsert(allocatorIDKey, id)}
}

func (m *Metrics) ctx() context.Context {
	ctx, _ := tag.New(context.Background(), m.idTag)
	return ctx
}

func (m *Metrics) recordCarrierAllocated(size uint64) {
	stats.Record(m.ctx(), mCarriersAllocated.M(1), mBytesBumpAlloc.M(int64(size)))
}

func (m *Metrics) recordPmalloc(hitFreelist bool, failed bool) {
	switch {
	case failed:
		stats.Record(m.ctx(), mPmallocCalls.M(1), mPmallocFailures.M(1))
	case hitFreelist:
		stats.Record(m.ctx(), mPmallocCalls.M(1), mFreelistHits.M(1))
	default:
		stats.Record(m.ctx(), mPmallocCalls.M(1))
	}
}

func (m *Metrics) recordPfree() {
	stats.Record(m.ctx(), mPfreeCalls.M(1))
}

func (m *Metrics) recordDump(bytesWritten int64) {
	stats.Record(m.ctx(), mDumpCount.M(1), mDumpBytes.M(bytesWritten))
}

func (m *Metrics) recordRestore() {
	stats.Record(m.ctx(), mRestoreCount.M(1))
}
