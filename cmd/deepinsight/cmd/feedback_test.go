package cmd

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hugo-lorenzo-mato/deepinsight/internal/approval"
	"github.com/hugo-lorenzo-mato/deepinsight/internal/core"
)

func TestFeedback_WritesToMailbox(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, "mailbox:\n  backend: file\n  dir: "+dir+"\n")

	out, err := execute(t, "feedback", "req-9", "--reject", "--notes", "split by region", "--revision", "2", "--config", path)
	require.NoError(t, err)
	assert.Contains(t, out, "revision requested")

	key := approval.Address(approval.DefaultKeyPrefix, "req-9")
	data, err := os.ReadFile(filepath.Join(dir, filepath.FromSlash(key)))
	require.NoError(t, err)

	var fb core.ApprovalFeedback
	require.NoError(t, json.Unmarshal(data, &fb))
	assert.False(t, fb.Approved)
	assert.Equal(t, "split by region", fb.Feedback)
	require.NotNil(t, fb.Revision)
	assert.Equal(t, 2, *fb.Revision)
	assert.False(t, fb.Timestamp.IsZero())
}

func TestFeedback_MemoryMailboxRejected(t *testing.T) {
	_, err := execute(t, "feedback", "req-1", "--approve")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "memory mailbox")
}

func TestFeedback_FlagValidation(t *testing.T) {
	_, err := execute(t, "feedback", "req-1", "--approve", "--reject")
	assert.Error(t, err)

	_, err = execute(t, "feedback", "req-1")
	assert.Error(t, err)

	_, err = execute(t, "feedback", "--approve")
	assert.Error(t, err)
}

func TestFeedback_ViaServer(t *testing.T) {
	var gotPath string
	var got core.ApprovalFeedback
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.Method + " " + r.URL.Path
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &got)
		if r.URL.Path == "/api/v1/requests/stale/approval" {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusConflict)
			_, _ = w.Write([]byte(`{"error":"no approval pending for request stale","code":"NO_LIVE_TICKET"}`))
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	out, err := execute(t, "feedback", "req-2", "--approve", "--notes", "ship it", "--server", srv.URL+"/")
	require.NoError(t, err)
	assert.Contains(t, out, "approved")
	assert.Equal(t, "PUT /api/v1/requests/req-2/approval", gotPath)
	assert.True(t, got.Approved)
	assert.Equal(t, "ship it", got.Feedback)
	assert.Nil(t, got.Revision)

	_, err = execute(t, "feedback", "stale", "--approve", "--server", srv.URL)
	require.Error(t, err)
	assert.Contains(t, err.Error(), core.CodeNoLiveTicket)
}
