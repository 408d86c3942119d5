package frontrun

import (
	"testing"

	"github.com/paladin-labs/paladin-core/common"
	"github.com/paladin-labs/paladin-core/core/types"
)

func acctKey(name string) common.AccountKey { return common.BytesToAccountKey([]byte(name)) }

type fakeOwners struct {
	owners map[common.AccountKey]common.AccountKey
}

func (f fakeOwners) OwnerOf(a common.AccountKey) (common.AccountKey, bool) {
	o, ok := f.owners[a]
	return o, ok
}

func ammTx(t *testing.T, signer string, pool common.AccountKey) *types.Transaction {
	t.Helper()
	return types.NewTransaction([]types.AccountMeta{
		{Key: acctKey(signer), Writable: true},
		{Key: pool, Writable: true},
	}, 1, 1000, 1, nil)
}

func TestSingleTransactionNeverFrontRun(t *testing.T) {
	var f Filter
	pool := ammProgramKeyForTest()
	b, err := types.NewBundle("A|1", []*types.Transaction{ammTx(t, "sigma0", pool)})
	if err != nil {
		t.Fatal(err)
	}
	owners := fakeOwners{owners: map[common.AccountKey]common.AccountKey{pool: firstAMMProgram()}}
	if f.IsFrontRun(b, true, owners) {
		t.Fatal("a single-transaction bundle must never be flagged front-run")
	}
}

// TestFrontRunSandwich covers two independent signers both writing into
// the same AMM pool account within one bundle.
func TestFrontRunSandwich(t *testing.T) {
	var f Filter
	pool := acctKey("pool-P")
	ammProgram := firstAMMProgram()
	owners := fakeOwners{owners: map[common.AccountKey]common.AccountKey{pool: ammProgram}}

	tx0 := ammTx(t, "sigma0", pool)
	tx1 := ammTx(t, "sigma1", pool)
	tx2Shared := ammTx(t, "sigma0", pool)

	b, err := types.NewBundle("A|1", []*types.Transaction{tx0, tx1, tx2Shared})
	if err != nil {
		t.Fatal(err)
	}
	if f.IsFrontRun(b, true, owners) {
		t.Fatal("signer 2 shares sigma0 with tx0 — this is a user's own multi-step trade, not front-run")
	}

	tx2Disjoint := ammTx(t, "sigma2", pool)
	b2, err := types.NewBundle("A|2", []*types.Transaction{tx0, tx1, tx2Disjoint})
	if err != nil {
		t.Fatal(err)
	}
	if !f.IsFrontRun(b2, true, owners) {
		t.Fatal("tx0 and tx2 share the AMM pool with fully disjoint signers — expected front-run")
	}
}

// TestVerdictIsIdempotent guards the pooled-scratch reuse: repeated calls
// over the same inputs must keep returning the same verdict.
func TestVerdictIsIdempotent(t *testing.T) {
	var f Filter
	pool := acctKey("pool-P")
	owners := fakeOwners{owners: map[common.AccountKey]common.AccountKey{pool: firstAMMProgram()}}
	b, err := types.NewBundle("A|1", []*types.Transaction{
		ammTx(t, "sigma0", pool),
		ammTx(t, "sigma1", pool),
	})
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 4; i++ {
		if !f.IsFrontRun(b, true, owners) {
			t.Fatalf("verdict flipped on call %d", i)
		}
	}
}

func TestFrontRunRequiresSuccessfulExecution(t *testing.T) {
	var f Filter
	pool := acctKey("pool-P")
	owners := fakeOwners{owners: map[common.AccountKey]common.AccountKey{pool: firstAMMProgram()}}
	b, _ := types.NewBundle("A|1", []*types.Transaction{
		ammTx(t, "sigma0", pool),
		ammTx(t, "sigma1", pool),
	})
	if f.IsFrontRun(b, false, owners) {
		t.Fatal("a bundle whose execution did not succeed must never be flagged front-run")
	}
}

func firstAMMProgram() common.AccountKey {
	for k := range ammProgramSet {
		return k
	}
	panic("unreachable")
}

func ammProgramKeyForTest() common.AccountKey { return acctKey("pool-solo") }
