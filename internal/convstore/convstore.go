// Package convstore implements the Conversation Store (spec component C7):
// strict JSON save/load of agent transcripts as files, best-effort on load.
//
// Grounded on the teacher's task/repository (internal/task/repository): a
// small persistence shim with "ensure directory, write JSON" as its whole
// contract, here narrowed to the one entity (a conversation) and the one
// filename convention spec §6 names.
package convstore

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Message is the on-disk form of agent.ChatMessage.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ConversationData is IConversationData (spec §3, §6).
type ConversationData struct {
	AgentID  string            `json:"agentId"`
	Messages []Message         `json:"messages"`
	SavedAt  time.Time         `json:"savedAt"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

var sanitizeReplacer = strings.NewReplacer(
	":", "_", "|", "_", "@", "_", "/", "_", `\`, "_", "<", "_", ">", "_", "*", "_", "?", "_", `"`, "_",
)

// Sanitize replaces every character in `:|@/\<>*?"` with `_` (spec §3, §6).
func Sanitize(agentID string) string { return sanitizeReplacer.Replace(agentID) }

// filename builds conversation_<sanitized_id>_<epoch_ms>.json (spec §6).
func filename(agentID string, at time.Time) string {
	return "conversation_" + Sanitize(agentID) + "_" + strconv.FormatInt(at.UnixMilli(), 10) + ".json"
}

// Save writes data as JSON under dir, using filename if given, otherwise a
// freshly generated name. Directory creation failure is logged by the
// caller, not here — per spec §4.7 "failure is logged, not thrown; the
// subsequent write will surface the real error" the MkdirAll call belongs to
// the caller (agentmanager.SaveConversation) so it can use its own logger.
func Save(dir, agentID string, name *string, data ConversationData) (string, error) {
	fname := filename(agentID, data.SavedAt)
	if name != nil && *name != "" {
		fname = *name
	}
	path := filepath.Join(dir, fname)

	payload, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(path, payload, 0o644); err != nil {
		return "", err
	}
	return path, nil
}

// Load reads a conversation, best-effort: any I/O or parse failure, or a
// missing/empty data directory, yields an empty ConversationData rather than
// an error (spec §4.7, §8 "loadConversation on a missing directory returns
// an empty sequence"). A nil name scans dir for files whose name starts with
// the sanitized-id prefix and picks the lexicographically greatest —
// filenames embed epoch milliseconds, so that is also the most recent.
func Load(dir, agentID string, name *string) ConversationData {
	var path string
	if name != nil && *name != "" {
		path = filepath.Join(dir, *name)
	} else {
		found, ok := newestConversationFile(dir, agentID)
		if !ok {
			return ConversationData{AgentID: agentID}
		}
		path = found
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return ConversationData{AgentID: agentID}
	}

	var data ConversationData
	if err := json.Unmarshal(raw, &data); err != nil {
		return ConversationData{AgentID: agentID}
	}
	return data
}

func newestConversationFile(dir, agentID string) (string, bool) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", false
	}

	prefix := "conversation_" + Sanitize(agentID) + "_"
	var matches []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if strings.HasPrefix(e.Name(), prefix) && strings.HasSuffix(e.Name(), ".json") {
			matches = append(matches, e.Name())
		}
	}
	if len(matches) == 0 {
		return "", false
	}

	sort.Sort(sort.Reverse(sort.StringSlice(matches)))
	return filepath.Join(dir, matches[0]), true
}
