package ha

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

// DefaultRESTTimeout bounds a single states request. It is independent of the
// long-lived websocket deadlines.
const DefaultRESTTimeout = 15 * time.Second

// maxStateBody caps how much of a states response is read.
const maxStateBody = 1 << 20

// FetchEntityState issues GET /api/states/{entityID}. It does not touch the
// websocket session and never changes the connection state.
func (c *Client) FetchEntityState(ctx context.Context, entityID string) (*EntityStateSnapshot, error) {
	if err := c.config.Validate(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(entityID) == "" {
		return nil, fmt.Errorf("%w: entity id is empty", ErrInvalidConfiguration)
	}

	u, err := c.config.RESTStatesURL(entityID)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, c.restTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: create request: %v", ErrInvalidConfiguration, err)
	}
	req.Header.Set("Authorization", "Bearer "+c.config.Token)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: GET %s: %v", ErrNetworkFailure, u.Path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, maxStateBody))
		return nil, &HTTPError{StatusCode: resp.StatusCode, EntityID: entityID}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxStateBody))
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %v", ErrNetworkFailure, err)
	}

	var snapshot EntityStateSnapshot
	if err := json.Unmarshal(body, &snapshot); err != nil {
		return nil, fmt.Errorf("%w: entity state for %s: %v", ErrDecodingFailure, entityID, err)
	}
	if snapshot.EntityID == "" {
		return nil, fmt.Errorf("%w: entity state for %s has no entity_id", ErrDecodingFailure, entityID)
	}

	c.logger.Debug("Fetched entity state",
		zap.String("entity_id", snapshot.EntityID),
		zap.String("state", snapshot.State))

	return &snapshot, nil
}
