package execution

import (
	"context"
	"testing"

	"github.com/paladin-labs/paladin-core/common"
	"github.com/paladin-labs/paladin-core/core/paladin"
	"github.com/paladin-labs/paladin-core/core/types"
)

type fakeBank struct{}

func (fakeBank) MaxBlockUnits() uint64 { return 1_000_000 }
func (fakeBank) Expired() bool         { return false }

type recordingApplier struct {
	applied []string
	fail    map[string]bool
}

func (a *recordingApplier) Apply(_ context.Context, tx *types.Transaction, _ paladin.BankStart) bool {
	key := string(tx.Payload())
	a.applied = append(a.applied, key)
	return !a.fail[key]
}

func key(n byte) common.AccountKey {
	var k common.AccountKey
	k[0] = n
	return k
}

func tx(account common.AccountKey, payload string, cu uint64) *types.Transaction {
	return types.NewTransaction([]types.AccountMeta{{Key: account, Writable: true}}, 1, cu, 1, []byte(payload))
}

func TestExecuteBundleCommitsAllTransactions(t *testing.T) {
	applier := &recordingApplier{fail: map[string]bool{}}
	exec := New(2, 1000, 64, applier)

	b, err := types.NewBundle("R|1", []*types.Transaction{
		tx(key(1), "a", 10),
		tx(key(2), "b", 10),
	})
	if err != nil {
		t.Fatalf("NewBundle: %v", err)
	}

	committed, err := exec.ExecuteBundle(context.Background(), b, fakeBank{})
	if err != nil {
		t.Fatalf("ExecuteBundle: %v", err)
	}
	if !committed {
		t.Fatalf("expected bundle to commit")
	}
	if len(applier.applied) != 2 {
		t.Fatalf("expected 2 applies, got %d", len(applier.applied))
	}
}

func TestExecuteBundleReportsFailureWithoutCommitting(t *testing.T) {
	applier := &recordingApplier{fail: map[string]bool{"bad": true}}
	exec := New(1, 1000, 64, applier)

	b, err := types.NewBundle("R|2", []*types.Transaction{tx(key(3), "bad", 10)})
	if err != nil {
		t.Fatalf("NewBundle: %v", err)
	}

	committed, err := exec.ExecuteBundle(context.Background(), b, fakeBank{})
	if err != nil {
		t.Fatalf("ExecuteBundle: %v", err)
	}
	if committed {
		t.Fatalf("expected bundle not to commit")
	}
}

func TestExecuteBundleReleasesLocksAcrossCalls(t *testing.T) {
	applier := &recordingApplier{fail: map[string]bool{}}
	exec := New(1, 1000, 64, applier)

	acct := key(9)
	first, err := types.NewBundle("R|3", []*types.Transaction{tx(acct, "first", 10)})
	if err != nil {
		t.Fatalf("NewBundle: %v", err)
	}
	if _, err := exec.ExecuteBundle(context.Background(), first, fakeBank{}); err != nil {
		t.Fatalf("ExecuteBundle first: %v", err)
	}

	second, err := types.NewBundle("R|4", []*types.Transaction{tx(acct, "second", 10)})
	if err != nil {
		t.Fatalf("NewBundle: %v", err)
	}
	committed, err := exec.ExecuteBundle(context.Background(), second, fakeBank{})
	if err != nil {
		t.Fatalf("ExecuteBundle second: %v", err)
	}
	if !committed {
		t.Fatalf("expected second bundle on the same account to commit once the first released its lock")
	}
}

func TestExecuteBundlePartialScheduleReleasesLocks(t *testing.T) {
	applier := &recordingApplier{fail: map[string]bool{}}
	exec := New(1, 100, 64, applier) // maxCUPerThread == 100

	// The first transaction fills the thread's budget exactly, leaving the
	// second stranded in the container: the bundle must not commit, must
	// not apply anything, and must release the locks its partial schedule
	// took.
	acct := key(7)
	b, err := types.NewBundle("R|6", []*types.Transaction{
		tx(acct, "fills-budget", 100),
		tx(key(8), "stranded", 10),
	})
	if err != nil {
		t.Fatalf("NewBundle: %v", err)
	}
	committed, err := exec.ExecuteBundle(context.Background(), b, fakeBank{})
	if err != nil {
		t.Fatalf("ExecuteBundle: %v", err)
	}
	if committed {
		t.Fatal("a partially schedulable bundle must not commit")
	}
	if len(applier.applied) != 0 {
		t.Fatalf("applier must not run for a partially scheduled bundle, applied %v", applier.applied)
	}

	retry, err := types.NewBundle("R|7", []*types.Transaction{tx(acct, "retry", 10)})
	if err != nil {
		t.Fatalf("NewBundle: %v", err)
	}
	committed, err = exec.ExecuteBundle(context.Background(), retry, fakeBank{})
	if err != nil {
		t.Fatalf("ExecuteBundle retry: %v", err)
	}
	if !committed {
		t.Fatal("the partial schedule's locks were not released")
	}
}

func TestExecuteBundleUnschedulableComputeUnitsDoesNotCommit(t *testing.T) {
	applier := &recordingApplier{fail: map[string]bool{}}
	exec := New(1, 100, 64, applier) // maxCUPerThread == 100

	b, err := types.NewBundle("R|5", []*types.Transaction{tx(key(5), "big", 1000)})
	if err != nil {
		t.Fatalf("NewBundle: %v", err)
	}
	committed, err := exec.ExecuteBundle(context.Background(), b, fakeBank{})
	if err != nil {
		t.Fatalf("ExecuteBundle: %v", err)
	}
	if committed {
		t.Fatalf("expected oversized transaction to be unschedulable, not committed")
	}
	if len(applier.applied) != 0 {
		t.Fatalf("applier should not have been invoked for an unschedulable transaction")
	}
}
