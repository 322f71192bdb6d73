package cluster

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/Agent-Gate/agentgate/internal/port/outbound"
)

func openDirectory(t *testing.T, path string, self outbound.NodeInfo) *SQLiteDirectory {
	t.Helper()
	d, err := NewSQLiteDirectory(path, self)
	if err != nil {
		t.Fatalf("NewSQLiteDirectory: %v", err)
	}
	t.Cleanup(func() { d.Close() })
	return d
}

func TestSQLiteDirectory_PinAndResolve(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "cluster.db")
	a := openDirectory(t, path, outbound.NodeInfo{ID: "node-a", URL: "ws://a/ws"})
	b := openDirectory(t, path, outbound.NodeInfo{ID: "node-b", URL: "ws://b/ws"})

	if err := a.PinAgent(ctx, "agent-1"); err != nil {
		t.Fatalf("PinAgent: %v", err)
	}

	node, ok, err := b.NodeFor(ctx, "agent-1")
	if err != nil || !ok {
		t.Fatalf("NodeFor = %v, %v, %v", node, ok, err)
	}
	if node.ID != "node-a" || node.URL != "ws://a/ws" {
		t.Errorf("owner = %+v, want node-a", node)
	}

	if _, ok, _ := b.NodeFor(ctx, "agent-ghost"); ok {
		t.Error("unknown agent resolved to a node")
	}

	if err := a.UnpinAgent(ctx, "agent-1"); err != nil {
		t.Fatalf("UnpinAgent: %v", err)
	}
	if _, ok, _ := b.NodeFor(ctx, "agent-1"); ok {
		t.Error("unpinned agent still resolves")
	}
}

func TestSQLiteDirectory_PinMovesAgent(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "cluster.db")
	a := openDirectory(t, path, outbound.NodeInfo{ID: "node-a", URL: "ws://a/ws"})
	b := openDirectory(t, path, outbound.NodeInfo{ID: "node-b", URL: "ws://b/ws"})

	if err := a.PinAgent(ctx, "agent-1"); err != nil {
		t.Fatal(err)
	}
	if err := b.PinAgent(ctx, "agent-1"); err != nil {
		t.Fatal(err)
	}
	node, ok, err := a.NodeFor(ctx, "agent-1")
	if err != nil || !ok || node.ID != "node-b" {
		t.Errorf("NodeFor after re-pin = %+v, %v, %v, want node-b", node, ok, err)
	}
}

func TestSQLiteDirectory_Locks(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "cluster.db")
	a := openDirectory(t, path, outbound.NodeInfo{ID: "node-a"})
	b := openDirectory(t, path, outbound.NodeInfo{ID: "node-b"})

	release, ok, err := a.TryAcquire(ctx, "job:retention")
	if err != nil || !ok {
		t.Fatalf("TryAcquire = %v, %v", ok, err)
	}

	if _, ok, _ := b.TryAcquire(ctx, "job:retention"); ok {
		t.Error("second holder acquired a held lock")
	}

	release()
	if _, ok, _ := b.TryAcquire(ctx, "job:retention"); !ok {
		t.Error("lock not acquirable after release")
	}
}

func TestSQLiteDirectory_ExpiredLockIsStolen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "cluster.db")
	a := openDirectory(t, path, outbound.NodeInfo{ID: "node-a"})
	b := openDirectory(t, path, outbound.NodeInfo{ID: "node-b"})

	past := time.Now().Add(-3 * lockTTL)
	a.now = func() time.Time { return past }
	if _, ok, err := a.TryAcquire(ctx, "job:archive"); err != nil || !ok {
		t.Fatalf("seed expired lock: %v, %v", ok, err)
	}

	if _, ok, _ := b.TryAcquire(ctx, "job:archive"); !ok {
		t.Error("expired lock was not stolen")
	}
}

func TestStaticDirectory(t *testing.T) {
	d := NewStaticDirectory(outbound.NodeInfo{ID: "node-1", URL: "ws://localhost/ws"})
	if d.Self().ID != "node-1" {
		t.Errorf("Self = %+v", d.Self())
	}
	if _, ok, err := d.NodeFor(context.Background(), "any"); ok || err != nil {
		t.Errorf("NodeFor = %v, %v, want miss", ok, err)
	}
}
