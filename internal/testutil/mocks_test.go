package testutil_test

import (
	"context"
	"testing"

	"github.com/hugo-lorenzo-mato/deepinsight/internal/core"
	"github.com/hugo-lorenzo-mato/deepinsight/internal/testutil"
)

func TestMockSessions_OneSessionPerRequest(t *testing.T) {
	m := testutil.NewMockSessions()
	ctx := context.Background()

	a1, err := m.Acquire(ctx, "a")
	testutil.AssertNoError(t, err)
	a2, err := m.Acquire(ctx, "a")
	testutil.AssertNoError(t, err)
	b, err := m.Acquire(ctx, "b")
	testutil.AssertNoError(t, err)

	testutil.AssertEqual(t, a1.ID, a2.ID)
	testutil.AssertTrue(t, a1.ID != b.ID, "requests must not share a session")

	testutil.AssertNoError(t, m.Release(ctx, "a"))
	testutil.AssertNoError(t, m.Release(ctx, "a"))
	a3, err := m.Acquire(ctx, "a")
	testutil.AssertNoError(t, err)
	testutil.AssertTrue(t, a3.ID != a1.ID, "release must drop the session")
	testutil.AssertEqual(t, m.CallCount("Release", "a"), 2)
}

func TestMockSessions_AcquireError(t *testing.T) {
	m := testutil.NewMockSessions().WithAcquireError(core.ErrProvision("a", "no capacity"))
	_, err := m.Acquire(context.Background(), "a")
	testutil.AssertTrue(t, core.HasCode(err, core.CodeProvisionFailed), "expected provision error")
}

func TestMockSessions_Close(t *testing.T) {
	m := testutil.NewMockSessions()
	_, _ = m.Acquire(context.Background(), "a")
	testutil.AssertNoError(t, m.Close(context.Background()))
	testutil.AssertTrue(t, m.Closed(), "closed")
	testutil.AssertEqual(t, len(m.List()), 0)
}
