package app

import (
	"encoding/hex"
	"strings"
	"sync"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/text/unicode/norm"

	"spanlab/api/internal/annotation"
)

type workspaceKey struct {
	documentID  string
	contributor string
}

// Workspace holds live working copies, one per document and contributor.
// The map lock only guards lookup; each document carries its own lock.
type Workspace struct {
	mu   sync.Mutex
	docs map[workspaceKey]*annotation.Document
}

func NewWorkspace() *Workspace {
	return &Workspace{docs: make(map[workspaceKey]*annotation.Document)}
}

func (w *Workspace) Get(documentID, contributor string) (*annotation.Document, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	doc, ok := w.docs[workspaceKey{documentID, contributor}]
	return doc, ok
}

// Put stores doc unless another caller got there first, and returns the copy
// that is now live.
func (w *Workspace) Put(documentID, contributor string, doc *annotation.Document) *annotation.Document {
	w.mu.Lock()
	defer w.mu.Unlock()
	key := workspaceKey{documentID, contributor}
	if existing, ok := w.docs[key]; ok {
		return existing
	}
	w.docs[key] = doc
	return doc
}

func (w *Workspace) Drop(documentID, contributor string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.docs, workspaceKey{documentID, contributor})
}

// DropDocument forgets every working copy of a document.
func (w *Workspace) DropDocument(documentID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for key := range w.docs {
		if key.documentID == documentID {
			delete(w.docs, key)
		}
	}
}

func (w *Workspace) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.docs)
}

// Fingerprint identifies document text independent of Unicode normalization
// form, line endings and surrounding whitespace.
func Fingerprint(text string) string {
	normalized := norm.NFC.String(strings.ReplaceAll(text, "\r\n", "\n"))
	sum := blake2b.Sum256([]byte(strings.TrimSpace(normalized)))
	return hex.EncodeToString(sum[:])
}
