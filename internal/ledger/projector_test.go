package ledger

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/resupply-health/resupply/internal/catalog"
)

var testProgram2ID = uuid.MustParse("44444444-4444-4444-4444-444444444444")

func projectorFixtures() (*memoryRepo, *fakeCatalog, *BatchContext) {
	repo := newMemoryRepo()
	cat := &fakeCatalog{
		products: map[string]catalog.Product{
			"08O05": {ID: testProductID, Code: "08O05", ProgramID: testProgramID, HasLots: true},
			"KIT01": {ID: uuid.New(), Code: "KIT01", ProgramID: testProgram2ID, HasLots: false},
		},
	}
	return repo, cat, NewBatchContext(testFacilityID)
}

func runProjector(t *testing.T, repo *memoryRepo, cat *fakeCatalog, bc *BatchContext, movements []Movement) {
	t.Helper()
	now := time.Date(2026, 8, 10, 12, 0, 0, 0, time.UTC)
	resolver := newLotResolver(bc, now)
	require.NoError(t, resolver.ResolveAll(context.Background(), repo, movements))
	p := newProjector(repo, cat, bc, slog.New(slog.DiscardHandler), now, "nurse.banda")
	require.NoError(t, p.Project(context.Background(), movements))
}

func TestProjectGroupsByInstantAndProgram(t *testing.T) {
	repo, cat, bc := projectorFixtures()
	d1 := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	r1 := time.Date(2026, 8, 2, 9, 0, 0, 0, time.UTC)
	r2 := time.Date(2026, 8, 2, 10, 0, 0, 0, time.UTC)

	kit := Movement{
		ProductCode: "KIT01", Type: MovementIssue, OccurredDate: d1,
		RecordedAt: r1, Signature: "sig-kit", Quantity: 2, StockOnHand: 8,
	}
	later := receiveMovement("BN-7A", d1, r2, 5, 15, "sig-late")

	// submitted out of recorded order on purpose
	runProjector(t, repo, cat, bc, []Movement{
		later,
		receiveMovement("BN-7A", d1, r1, 10, 10, "sig-1"),
		kit,
	})

	staged := bc.Staged()
	// r1 splits into two events (two programs), r2 is one more
	require.Len(t, staged.Events, 3)
	require.Equal(t, "sig-1", staged.Events[0].Signature)
	require.Equal(t, testProgramID, staged.Events[0].ProgramID)
	require.Equal(t, testProgram2ID, staged.Events[1].ProgramID)
	require.Equal(t, "sig-late", staged.Events[2].Signature)

	require.Len(t, staged.Cards, 2)
	require.Len(t, staged.CardLines, 3)
	require.Len(t, staged.Keys, 3)
}

func TestProjectSignsQuantities(t *testing.T) {
	repo, cat, bc := projectorFixtures()
	d1 := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	r1 := time.Date(2026, 8, 2, 9, 0, 0, 0, time.UTC)

	issue := Movement{
		ProductCode: "KIT01", Type: MovementIssue, OccurredDate: d1,
		RecordedAt: r1, Signature: "sig-i", Quantity: 4, StockOnHand: 6,
	}
	adjust := Movement{
		ProductCode: "KIT01", Type: MovementNegativeAdjust, OccurredDate: d1,
		RecordedAt: r1, Signature: "sig-a", Quantity: -2, StockOnHand: 4,
	}
	runProjector(t, repo, cat, bc, []Movement{issue, adjust})

	lines := bc.Staged().CardLines
	require.Len(t, lines, 2)
	require.EqualValues(t, -4, lines[0].Quantity)
	require.EqualValues(t, -2, lines[1].Quantity, "magnitude is taken before the sign is applied")
	require.True(t, lines[1].ProcessedAt.After(lines[0].ProcessedAt), "processed times are strictly increasing")

	// event lines keep the submitted form
	require.EqualValues(t, 4, bc.Staged().EventLines[0].Quantity)
}

func TestProjectPhysicalInventoryDecomposition(t *testing.T) {
	repo, cat, bc := projectorFixtures()
	d1 := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	r1 := time.Date(2026, 8, 2, 9, 0, 0, 0, time.UTC)

	damaged := Movement{
		ProductCode: "KIT01", Type: MovementPhysicalInventory, OccurredDate: d1,
		RecordedAt: r1, Signature: "sig-pi", Reason: "DAMAGED", Quantity: -3, StockOnHand: 7,
	}
	runProjector(t, repo, cat, bc, []Movement{damaged})

	staged := bc.Staged()
	require.Len(t, staged.Inventories, 1)
	require.Len(t, staged.InventoryLines, 1)
	require.Len(t, staged.Adjustments, 1)
	require.Equal(t, AdjustmentDebit, staged.Adjustments[0].Type)
	require.EqualValues(t, 3, staged.Adjustments[0].Quantity)
	require.EqualValues(t, -3, staged.CardLines[0].Quantity, "net adjustment is kept as-is")
}

func TestProjectNeutralInventoryHasNoDecomposition(t *testing.T) {
	repo, cat, bc := projectorFixtures()
	d1 := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	r1 := time.Date(2026, 8, 2, 9, 0, 0, 0, time.UTC)

	counted := Movement{
		ProductCode: "KIT01", Type: MovementPhysicalInventory, OccurredDate: d1,
		RecordedAt: r1, Signature: "sig-pi", Reason: ReasonInventory, Quantity: 0, StockOnHand: 7,
	}
	runProjector(t, repo, cat, bc, []Movement{counted})

	staged := bc.Staged()
	require.Empty(t, staged.Inventories)
	require.Empty(t, staged.Adjustments)
	require.Len(t, staged.Snapshots, 1)
	require.EqualValues(t, 7, staged.Snapshots[0].StockOnHand)
}

func TestProjectSnapshotLastObservationWins(t *testing.T) {
	repo, cat, bc := projectorFixtures()
	d1 := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	r1 := time.Date(2026, 8, 2, 9, 0, 0, 0, time.UTC)
	r2 := time.Date(2026, 8, 2, 10, 0, 0, 0, time.UTC)

	first := Movement{
		ProductCode: "KIT01", Type: MovementReceive, OccurredDate: d1,
		RecordedAt: r1, Signature: "sig-1", Quantity: 10, StockOnHand: 10,
	}
	second := Movement{
		ProductCode: "KIT01", Type: MovementIssue, OccurredDate: d1,
		RecordedAt: r2, Signature: "sig-2", Quantity: 4, StockOnHand: 6,
	}
	runProjector(t, repo, cat, bc, []Movement{first, second})

	staged := bc.Staged()
	require.Len(t, staged.Snapshots, 1, "one snapshot per card and date")
	require.EqualValues(t, 6, staged.Snapshots[0].StockOnHand)
}

func TestProjectUnknownProductStagesNothing(t *testing.T) {
	repo, cat, bc := projectorFixtures()
	now := time.Now().UTC()
	p := newProjector(repo, cat, bc, slog.New(slog.DiscardHandler), now, "nurse.banda")

	err := p.Project(context.Background(), []Movement{{
		ProductCode: "NOPE", Type: MovementReceive, OccurredDate: now, RecordedAt: now,
	}})
	require.ErrorIs(t, err, ErrUnresolvedReference)
	require.Empty(t, bc.Staged().Events)
	require.Empty(t, bc.Staged().CardLines)
	require.Empty(t, bc.Staged().Keys)
}
