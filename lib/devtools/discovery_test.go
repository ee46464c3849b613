package devtools

import (
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func getJSON(t *testing.T, rawURL string, out any) {
	t.Helper()
	resp, err := http.Get(rawURL)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "application/json")
	require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
}

func TestVersionEndpoint(t *testing.T) {
	t.Parallel()
	e := newEnv(t)

	var v map[string]string
	getJSON(t, e.srv.URL+"/json/version", &v)

	assert.Contains(t, v["Browser"], "Chrome/")
	assert.Equal(t, "1.3", v["Protocol-Version"])
	assert.NotEmpty(t, v["User-Agent"])
	assert.NotEmpty(t, v["V8-Version"])
	assert.NotEmpty(t, v["WebKit-Version"])

	host := strings.TrimPrefix(e.srv.URL, "http://")
	require.True(t, strings.HasPrefix(v["webSocketDebuggerUrl"], "ws://"+host+"/devtools/browser/"))

	// the advertised URL must actually accept a connection
	u, err := url.Parse(v["webSocketDebuggerUrl"])
	require.NoError(t, err)
	conn := e.dialPath(u.Path)
	e.send(conn, `{"id":1,"method":"Browser.getVersion"}`)
	assert.Equal(t, float64(1), e.recv(conn)["id"])
}

func TestListEndpoint(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	targetID := e.b.Targets.UpsertTarget(4, "https://example.com", "Example")

	for _, path := range []string{"/json", "/json/list"} {
		var entries []map[string]any
		getJSON(t, e.srv.URL+path, &entries)
		require.Len(t, entries, 1, "path %s", path)

		entry := entries[0]
		assert.Equal(t, targetID, entry["id"])
		assert.Equal(t, "page", entry["type"])
		assert.Equal(t, "https://example.com", entry["url"])
		assert.Equal(t, "Example", entry["title"])

		host := strings.TrimPrefix(e.srv.URL, "http://")
		assert.Equal(t, "ws://"+host+"/devtools/page/"+targetID, entry["webSocketDebuggerUrl"])
	}
}

func TestListEndpointEmpty(t *testing.T) {
	t.Parallel()
	e := newEnv(t)

	resp, err := http.Get(e.srv.URL + "/json/list")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	// an empty target set serializes as [], not null
	assert.Equal(t, "[]", strings.TrimSpace(string(body)))
}

func TestProtocolEndpoint(t *testing.T) {
	t.Parallel()
	e := newEnv(t)

	var proto struct {
		Version struct {
			Major string `json:"major"`
			Minor string `json:"minor"`
		} `json:"version"`
		Domains []struct {
			Domain string `json:"domain"`
		} `json:"domains"`
	}
	getJSON(t, e.srv.URL+"/json/protocol", &proto)

	assert.Equal(t, "1", proto.Version.Major)
	assert.Equal(t, "3", proto.Version.Minor)

	var names []string
	for _, d := range proto.Domains {
		names = append(names, d.Domain)
	}
	assert.Contains(t, names, "Target")
	assert.Contains(t, names, "Browser")
}

func TestLogsEndpoint(t *testing.T) {
	t.Parallel()
	e := newEnv(t)

	var body map[string]any
	getJSON(t, e.srv.URL+"/logs?limit=10", &body)
	assert.Contains(t, body, "entries")
	link := body["link"].(map[string]any)
	assert.Equal(t, true, link["connected"])
}

func TestLogsEndpointRejectsBadLimit(t *testing.T) {
	t.Parallel()
	e := newEnv(t)

	resp, err := http.Get(e.srv.URL + "/logs?limit=-3")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
