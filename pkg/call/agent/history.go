package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/triageline/relay/pkg/call/protocol"
)

// HistoryClient fetches the authoritative message list for a finished
// conversation from the agent backend's REST surface.
type HistoryClient struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
}

type conversationResponse struct {
	ConversationID string `json:"conversation_id"`
	Transcript     []struct {
		Role    string `json:"role"`
		Message string `json:"message"`
	} `json:"transcript"`
}

func (h *HistoryClient) Messages(ctx context.Context, conversationID string) ([]protocol.ConversationMessage, error) {
	client := h.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("%s/v1/conversations/%s", h.BaseURL, conversationID), nil)
	if err != nil {
		return nil, err
	}
	if h.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+h.APIKey)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch conversation: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch conversation: unexpected status %d", resp.StatusCode)
	}

	var decoded conversationResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("decode conversation: %w", err)
	}

	messages := make([]protocol.ConversationMessage, 0, len(decoded.Transcript))
	for _, line := range decoded.Transcript {
		if line.Message == "" {
			continue
		}
		role := line.Role
		if role == "user" {
			role = "caller"
		}
		messages = append(messages, protocol.ConversationMessage{Role: role, Text: line.Message})
	}
	return messages, nil
}
