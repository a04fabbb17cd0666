package collab

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestGetDocument(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/document/doc-1", r.URL.Path)
		assert.Equal(t, "Bearer test-jwt", r.Header.Get("Authorization"))

		doc := NewDocument()
		doc.Modules = append(doc.Modules, &Module{Id: "m1", X: 1, Y: 2})
		json.NewEncoder(w).Encode(&GetDocumentResult{
			Document: doc,
		})
	}))
	defer server.Close()

	api := NewDocumentApi(server.URL)
	defer api.Close()
	api.SetByJwt("test-jwt")

	result, err := api.GetDocumentSync("doc-1")
	assert.Equal(t, err, nil)
	assert.NotEqual(t, result.Document, nil)
	assert.Equal(t, "m1", result.Document.Modules[0].Id)

	// callback variant
	callback, c := NewBlockingApiCallback[*GetDocumentResult]()
	api.GetDocument("doc-1", callback)
	callbackResult := <-c
	assert.Equal(t, callbackResult.Error, nil)
	assert.Equal(t, "m1", callbackResult.Result.Document.Modules[0].Id)
}

func TestGetDocumentError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "document not found", http.StatusNotFound)
	}))
	defer server.Close()

	api := NewDocumentApi(server.URL)
	defer api.Close()

	_, err := api.GetDocumentSync("missing")
	assert.NotEqual(t, err, nil)
}
