package qdrant

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(t *testing.T, server *httptest.Server) *Config {
	t.Helper()
	u, err := url.Parse(server.URL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)
	return &Config{
		Host:    u.Hostname(),
		Port:    port,
		Timeout: 5 * time.Second,
	}
}

func TestNewClient(t *testing.T) {
	t.Run("nil config uses defaults", func(t *testing.T) {
		client, err := NewClient(nil, nil)
		require.NoError(t, err)
		assert.NotNil(t, client)
		assert.False(t, client.IsConnected())
	})

	t.Run("empty host rejected", func(t *testing.T) {
		client, err := NewClient(&Config{Port: 6333}, nil)
		require.Error(t, err)
		assert.Nil(t, client)
	})

	t.Run("invalid port rejected", func(t *testing.T) {
		client, err := NewClient(&Config{Host: "localhost", Port: 0}, nil)
		require.Error(t, err)
		assert.Nil(t, client)
	})
}

func TestClientConnect(t *testing.T) {
	t.Run("successful connection", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			json.NewEncoder(w).Encode(map[string]string{"title": "qdrant"})
		}))
		defer server.Close()

		client, err := NewClient(testConfig(t, server), nil)
		require.NoError(t, err)
		require.NoError(t, client.Connect(context.Background()))
		assert.True(t, client.IsConnected())
	})

	t.Run("connection failure", func(t *testing.T) {
		config := &Config{Host: "localhost", Port: 59999, Timeout: 100 * time.Millisecond}
		client, err := NewClient(config, nil)
		require.NoError(t, err)
		err = client.Connect(context.Background())
		require.Error(t, err)
		assert.False(t, client.IsConnected())
	})
}

func TestClientClose(t *testing.T) {
	client, _ := NewClient(nil, nil)
	require.NoError(t, client.Close())
	assert.False(t, client.IsConnected())
}

func TestOperationsRequireConnection(t *testing.T) {
	client, _ := NewClient(nil, nil)
	ctx := context.Background()

	t.Run("create collection", func(t *testing.T) {
		err := client.CreateCollection(ctx, &CollectionConfig{Name: "test", VectorSize: 4})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "not connected")
	})

	t.Run("upsert points", func(t *testing.T) {
		err := client.UpsertPoints(ctx, "test", []Point{{ID: "1", Vector: []float32{1}}})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "not connected")
	})

	t.Run("search", func(t *testing.T) {
		_, err := client.Search(ctx, "test", []float32{1}, nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "not connected")
	})

	t.Run("delete by filter", func(t *testing.T) {
		err := client.DeletePointsByFilter(ctx, "test", map[string]interface{}{"must": []interface{}{}})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "not connected")
	})
}

func TestSearch(t *testing.T) {
	var gotBody map[string]interface{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/" {
			w.WriteHeader(http.StatusOK)
			return
		}
		assert.Equal(t, "/collections/chunks/points/search", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		fmt.Fprint(w, `{"result": [
			{"id": "a", "score": 0.92, "payload": {"document_id": "doc-1"}},
			{"id": "b", "score": 0.81, "payload": {"document_id": "doc-2"}}
		]}`)
	}))
	defer server.Close()

	client, err := NewClient(testConfig(t, server), nil)
	require.NoError(t, err)
	require.NoError(t, client.Connect(context.Background()))

	opts := &SearchOptions{Limit: 5, ScoreThreshold: 0.6, WithPayload: true}
	results, err := client.Search(context.Background(), "chunks", []float32{0.1, 0.2}, opts)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "a", results[0].ID)
	assert.InDelta(t, 0.92, results[0].Score, 1e-6)
	assert.Equal(t, "doc-1", results[0].Payload["document_id"])

	assert.EqualValues(t, 5, gotBody["limit"])
	assert.EqualValues(t, 0.6, gotBody["score_threshold"])
}

func TestUpsertPointsAssignsIDs(t *testing.T) {
	var gotBody struct {
		Points []Point `json:"points"`
	}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/" {
			w.WriteHeader(http.StatusOK)
			return
		}
		assert.Equal(t, http.MethodPut, r.Method)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		fmt.Fprint(w, `{"result": {"status": "acknowledged"}}`)
	}))
	defer server.Close()

	client, err := NewClient(testConfig(t, server), nil)
	require.NoError(t, err)
	require.NoError(t, client.Connect(context.Background()))

	points := []Point{
		{Vector: []float32{0.1}},
		{ID: "keep-me", Vector: []float32{0.2}},
	}
	require.NoError(t, client.UpsertPoints(context.Background(), "chunks", points))

	require.Len(t, gotBody.Points, 2)
	assert.NotEmpty(t, gotBody.Points[0].ID)
	assert.Equal(t, "keep-me", gotBody.Points[1].ID)
}

func TestDeletePointsByFilter(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/" {
			w.WriteHeader(http.StatusOK)
			return
		}
		assert.Equal(t, "/collections/chunks/points/delete", r.URL.Path)
		var body map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Contains(t, body, "filter")
		fmt.Fprint(w, `{"result": {"status": "acknowledged"}}`)
	}))
	defer server.Close()

	client, err := NewClient(testConfig(t, server), nil)
	require.NoError(t, err)
	require.NoError(t, client.Connect(context.Background()))

	filter := map[string]interface{}{
		"must": []map[string]interface{}{
			{"key": "document_id", "match": map[string]interface{}{"value": "doc-1"}},
		},
	}
	require.NoError(t, client.DeletePointsByFilter(context.Background(), "chunks", filter))

	err = client.DeletePointsByFilter(context.Background(), "chunks", nil)
	require.Error(t, err)
}

func TestCollectionExists(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/", "/collections/present":
			w.WriteHeader(http.StatusOK)
			fmt.Fprint(w, `{"result": {}}`)
		default:
			http.Error(w, `{"status": "not found"}`, http.StatusNotFound)
		}
	}))
	defer server.Close()

	client, err := NewClient(testConfig(t, server), nil)
	require.NoError(t, err)
	require.NoError(t, client.Connect(context.Background()))

	exists, err := client.CollectionExists(context.Background(), "present")
	require.NoError(t, err)
	assert.True(t, exists)

	exists, err = client.CollectionExists(context.Background(), "absent")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestConfigValidate(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "http://localhost:6333", cfg.GetHTTPURL())

	cfg.UseTLS = true
	assert.Equal(t, "https://localhost:6333", cfg.GetHTTPURL())
}

func TestCollectionConfigValidate(t *testing.T) {
	cfg := &CollectionConfig{Name: "chunks", VectorSize: 1536}
	require.NoError(t, cfg.Validate())
	assert.Equal(t, DistanceCosine, cfg.Distance)

	require.Error(t, (&CollectionConfig{VectorSize: 4}).Validate())
	require.Error(t, (&CollectionConfig{Name: "x"}).Validate())
}
