package store

import "context"

// KVRef addresses one key in the scoped memory KV space.
type KVRef struct {
	Scope     string `json:"scope"`
	Namespace string `json:"namespace"`
	Key       string `json:"key"`
	StreamID  string `json:"streamId,omitempty"`
}

// MemoryKVGet reads a value. The second return reports whether the key
// exists.
func (c *Client) MemoryKVGet(ctx context.Context, ref KVRef) (string, bool, error) {
	var result *struct {
		Value string `json:"value"`
	}
	if err := c.Query(ctx, "memory_kv.get", ref, &result); err != nil {
		return "", false, err
	}
	if result == nil {
		return "", false, nil
	}
	return result.Value, true, nil
}

// MemoryKVUpsert writes a value, creating the key if needed.
func (c *Client) MemoryKVUpsert(ctx context.Context, ref KVRef, value string) error {
	args := map[string]any{
		"scope":     ref.Scope,
		"namespace": ref.Namespace,
		"key":       ref.Key,
		"value":     value,
	}
	if ref.StreamID != "" {
		args["streamId"] = ref.StreamID
	}
	return c.Mutation(ctx, "memory_kv.upsert", args, nil)
}

// AdminGetValue reads a global admin setting. Missing keys return "".
func (c *Client) AdminGetValue(ctx context.Context, key string) (string, error) {
	var result *struct {
		Value string `json:"value"`
	}
	if err := c.Query(ctx, "admin.getValue", map[string]any{"key": key}, &result); err != nil {
		return "", err
	}
	if result == nil {
		return "", nil
	}
	return result.Value, nil
}

// AdminSetValue writes a global admin setting.
func (c *Client) AdminSetValue(ctx context.Context, key, value string) error {
	return c.Mutation(ctx, "admin.setValue", map[string]any{"key": key, "value": value}, nil)
}
