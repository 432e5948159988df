package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
)

// Mutation actions, matching the queue's action column.
const (
	ActionCreate = "create"
	ActionUpdate = "update"
	ActionDelete = "delete"
)

// ErrUnsupported is returned for mutations the backend has no route for.
// Retrying cannot help.
var ErrUnsupported = errors.New("api: unsupported mutation")

// Mutation is one queued local change to replay against the backend.
type Mutation struct {
	EntityType string
	EntityID   string
	Action     string
	Payload    map[string]any
}

// entityRoute maps an entity type to its REST collection. Singleton
// resources (settings) have no id segment and accept only writes.
type entityRoute struct {
	collection string
	singleton  bool
}

var entityRoutes = map[string]entityRoute{
	"settings":     {collection: "settings", singleton: true},
	"weight_entry": {collection: "weights"},
	"meal_entry":   {collection: "meals"},
	"workout":      {collection: "workouts"},
	"step_log":     {collection: "steps"},
}

// Submit replays a mutation and returns the raw response body, which for
// create and update is the server's canonical record. A delete of a record
// the server no longer has counts as success.
func (c *Client) Submit(ctx context.Context, m Mutation) (json.RawMessage, error) {
	method, path, err := routeFor(m)
	if err != nil {
		return nil, err
	}

	var body io.Reader

	if m.Action != ActionDelete {
		b, marshalErr := json.Marshal(m.Payload)
		if marshalErr != nil {
			return nil, fmt.Errorf("api: encoding %s payload: %w", m.EntityType, marshalErr)
		}

		body = bytes.NewReader(b)
	}

	resp, err := c.Do(ctx, method, path, body)
	if err != nil {
		if m.Action == ActionDelete && (errors.Is(err, ErrNotFound) || errors.Is(err, ErrGone)) {
			c.logger.Debug("delete target already gone", "path", path)
			return nil, nil
		}

		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("api: %w: reading %s %s response: %w", ErrNetwork, method, path, err)
	}

	return raw, nil
}

// routeFor resolves the HTTP method and path for a mutation.
func routeFor(m Mutation) (string, string, error) {
	route, ok := entityRoutes[m.EntityType]
	if !ok {
		return "", "", fmt.Errorf("%w: entity type %q", ErrUnsupported, m.EntityType)
	}

	base := "/v1/" + route.collection

	if route.singleton {
		if m.Action == ActionDelete {
			return "", "", fmt.Errorf("%w: %s cannot be deleted", ErrUnsupported, m.EntityType)
		}

		return http.MethodPut, base, nil
	}

	switch m.Action {
	case ActionCreate:
		return http.MethodPost, base, nil
	case ActionUpdate, ActionDelete:
		if m.EntityID == "" {
			return "", "", fmt.Errorf("%w: %s %s requires an entity id", ErrUnsupported, m.Action, m.EntityType)
		}

		method := http.MethodPatch
		if m.Action == ActionDelete {
			method = http.MethodDelete
		}

		return method, base + "/" + url.PathEscape(m.EntityID), nil
	default:
		return "", "", fmt.Errorf("%w: action %q", ErrUnsupported, m.Action)
	}
}
