package rafttest

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/raftkv/raftkv/internal/kvpb"
	"github.com/raftkv/raftkv/internal/raft"
	"github.com/raftkv/raftkv/internal/raftlog"
	"github.com/raftkv/raftkv/internal/value"
)

func newTestHarness(t *testing.T, ids []string) *Harness {
	t.Helper()
	base := t.TempDir()
	h, err := NewHarness(ids, func(id string) string {
		return filepath.Join(base, id)
	}, WithElectionTimeout(30*time.Millisecond, 60*time.Millisecond), WithHeartbeatInterval(8*time.Millisecond))
	require.NoError(t, err)
	t.Cleanup(h.StopAll)
	return h
}

func awaitLeader(t *testing.T, h *Harness, within time.Duration) string {
	t.Helper()
	var leader string
	require.Eventually(t, func() bool {
		found := ""
		count := 0
		for _, id := range h.IDs() {
			n := h.Node(id)
			if n == nil {
				continue
			}
			if n.Status().Role == raft.Leader {
				found = id
				count++
			}
		}
		if count == 1 {
			leader = found
			return true
		}
		return false
	}, within, 2*time.Millisecond)
	return leader
}

// S3: 3 nodes, no traffic. Exactly one becomes leader within 2xTmax. Kill
// the leader; the remaining two elect a new leader within 2xTmax.
func TestElectsLeaderThenReElectsAfterLeaderCrash(t *testing.T) {
	h := newTestHarness(t, []string{"n1", "n2", "n3"})

	tMax := 2 * 60 * time.Millisecond
	first := awaitLeader(t, h, tMax)
	require.NotEmpty(t, first)

	require.NoError(t, h.CrashNode(first))

	require.Eventually(t, func() bool {
		for _, id := range h.IDs() {
			if id == first {
				continue
			}
			n := h.Node(id)
			if n != nil && n.Status().Role == raft.Leader {
				return true
			}
		}
		return false
	}, tMax, 2*time.Millisecond)
}

// S4: 3 nodes. SET("a","1") on the leader succeeds, and every follower's
// WAL, after fsync, contains that command at the same index.
func TestReplicatesCommandToEveryFollowerWAL(t *testing.T) {
	h := newTestHarness(t, []string{"n1", "n2", "n3"})
	leaderID := awaitLeader(t, h, time.Second)
	leader := h.Node(leaderID)

	idx, waitCh, err := leader.Propose("", 0, kvpb.Command{
		Type:  kvpb.CommandSet,
		Key:   "a",
		Value: value.NewString("1"),
	})
	require.NoError(t, err)

	res := <-waitCh
	require.NoError(t, res.Err)
	require.Equal(t, idx, res.Index)

	require.Eventually(t, func() bool {
		for _, id := range h.IDs() {
			log := h.Log(id)
			if log == nil || log.LastIndex() < idx {
				return false
			}
			entry, ok := log.EntryAt(idx)
			if !ok || entry.Command.Type != kvpb.CommandSet || entry.Command.Key != "a" {
				return false
			}
		}
		return true
	}, time.Second, 5*time.Millisecond)
}

// S5: 5 nodes, A is leader. Partition {A} | {B,C,D,E}. Writes continue
// through the majority side, which elects a new leader. Heal; A steps down
// and catches up. Final state is identical on every node.
func TestPartitionHealConvergesToIdenticalState(t *testing.T) {
	h := newTestHarness(t, []string{"a", "b", "c", "d", "e"})
	leaderID := awaitLeader(t, h, time.Second)

	h.Network().Partition([]string{leaderID}, otherIDs(h.IDs(), leaderID))

	var newLeaderID string
	require.Eventually(t, func() bool {
		for _, id := range otherIDs(h.IDs(), leaderID) {
			n := h.Node(id)
			if n != nil && n.Status().Role == raft.Leader {
				newLeaderID = id
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)
	require.NotEmpty(t, newLeaderID)

	newLeader := h.Node(newLeaderID)
	_, waitCh, err := newLeader.Propose("", 0, kvpb.Command{
		Type:  kvpb.CommandSet,
		Key:   "during-partition",
		Value: value.NewString("yes"),
	})
	require.NoError(t, err)
	res := <-waitCh
	require.NoError(t, res.Err)

	h.Network().Heal()

	require.Eventually(t, func() bool {
		n := h.Node(leaderID)
		return n != nil && n.Status().Role != raft.Leader
	}, 2*time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		for _, id := range h.IDs() {
			log := h.Log(id)
			if log == nil {
				return false
			}
			e, ok := log.EntryAt(res.Index)
			if !ok || e.Command.Key != "during-partition" {
				return false
			}
		}
		return true
	}, 2*time.Second, 10*time.Millisecond)
}

func otherIDs(all []string, exclude string) []string {
	out := make([]string, 0, len(all)-1)
	for _, id := range all {
		if id != exclude {
			out = append(out, id)
		}
	}
	return out
}

// S6: a BULK_SET of 3 items is appended to the WAL but never fsynced before
// the process is considered crashed. On restart, replay yields none of the
// three, not a partial prefix: appends land in the in-process write buffer
// and only Sync pushes them past the point a crash can lose them.
func TestCrashBeforeFsyncLosesWholeUnsyncedBatch(t *testing.T) {
	dir := t.TempDir()

	log, err := raftlog.Open(dir)
	require.NoError(t, err)

	items := []kvpb.BulkItem{
		{Key: "x", Value: value.NewString("1")},
		{Key: "y", Value: value.NewString("2")},
		{Key: "z", Value: value.NewString("3")},
	}
	entry := kvpb.LogEntry{
		Term:  1,
		Index: 1,
		Command: kvpb.Command{Type: kvpb.CommandBulkSet, Items: items},
	}
	require.NoError(t, log.Append([]kvpb.LogEntry{entry}))
	// No log.Sync(): simulate a crash before the batch reaches disk. Do not
	// call log.Close either, since Close fsyncs on the way out.

	reopened, err := raftlog.Open(dir)
	require.NoError(t, err)
	defer reopened.Close()

	require.Equal(t, uint64(0), reopened.LastIndex())
}

// S6, all branch: the same batch, fsynced before the crash, survives intact.
func TestCrashAfterFsyncKeepsWholeBatch(t *testing.T) {
	dir := t.TempDir()

	log, err := raftlog.Open(dir)
	require.NoError(t, err)

	items := []kvpb.BulkItem{
		{Key: "x", Value: value.NewString("1")},
		{Key: "y", Value: value.NewString("2")},
		{Key: "z", Value: value.NewString("3")},
	}
	entry := kvpb.LogEntry{
		Term:  1,
		Index: 1,
		Command: kvpb.Command{Type: kvpb.CommandBulkSet, Items: items},
	}
	require.NoError(t, log.Append([]kvpb.LogEntry{entry}))
	require.NoError(t, log.Sync())

	reopened, err := raftlog.Open(dir)
	require.NoError(t, err)
	defer reopened.Close()

	require.Equal(t, uint64(1), reopened.LastIndex())
	got, ok := reopened.EntryAt(1)
	require.True(t, ok)
	require.Len(t, got.Command.Items, 3)
}
