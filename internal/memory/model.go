// Package memory implements long-term memory: JSONL storage sharded by day,
// a lexical FTS index plus an in-memory vector index, hybrid retrieval with
// query transformation and reranking, and LLM-driven extraction.
package memory

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Type classifies an extracted memory.
type Type string

const (
	TypeFact       Type = "fact"
	TypePreference Type = "preference"
	TypeDecision   Type = "decision"
	TypeQuestion   Type = "question"
	TypeProject    Type = "project"
)

// ValidType reports whether t is a known memory type.
func ValidType(t Type) bool {
	switch t {
	case TypeFact, TypePreference, TypeDecision, TypeQuestion, TypeProject:
		return true
	}
	return false
}

// Memory is one durable extracted item. IDs are stable; Supersedes points at
// an older memory this one replaces and must not form cycles.
type Memory struct {
	ID             string    `json:"id"`
	Timestamp      string    `json:"timestamp"`
	SessionID      string    `json:"session_id"`
	Type           Type      `json:"type"`
	Content        string    `json:"content"`
	Context        string    `json:"context"`
	Importance     int       `json:"importance"`
	Tags           []string  `json:"tags"`
	SourceMessages []string  `json:"source_messages"`
	Embedding      []float32 `json:"embedding,omitempty"`
	Supersedes     string    `json:"supersedes,omitempty"`
}

// SearchText is the representation fed to both indexes.
func (m *Memory) SearchText() string {
	return strings.TrimSpace(m.Content + " " + m.Context + " " + strings.Join(m.Tags, " "))
}

// MarshalLine renders a single JSONL line.
func (m *Memory) MarshalLine() ([]byte, error) {
	return json.Marshal(m)
}

// UnmarshalLine parses one JSONL line into a Memory.
func UnmarshalLine(line []byte) (*Memory, error) {
	var m Memory
	if err := json.Unmarshal(line, &m); err != nil {
		return nil, fmt.Errorf("parse memory line: %w", err)
	}
	if m.ID == "" {
		return nil, fmt.Errorf("memory line missing id")
	}
	return &m, nil
}

// Scored pairs a memory id with a retrieval score.
type Scored struct {
	MemoryID string
	Score    float64
}
