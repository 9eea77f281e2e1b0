package vault

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/vyrodovalexey/vaultcred/observability"
)

// KVPaths describes how a logical secret path maps onto a key/value
// engine's API, after version detection.
type KVPaths struct {
	// V2 marks a versioned engine.
	V2 bool `json:"v2"`

	// Type is the engine type reported by the server.
	Type string `json:"type"`

	// Data is the read/write path.
	Data string `json:"data"`

	// Metadata is the metadata path (v2 only differs from Data).
	Metadata string `json:"metadata"`

	// Delete is the path for soft-deleting the latest version.
	Delete string `json:"delete"`

	// DeleteVersions is the path for soft-deleting specific versions.
	DeleteVersions string `json:"delete_versions,omitempty"`

	// Destroy is the path for permanently destroying versions.
	Destroy string `json:"destroy,omitempty"`
}

// KV provides key/value secret operations over the authenticated client,
// detecting the engine version per mount and rewriting paths.
type KV struct {
	client    *AuthenticatedClient
	metaCache *BankCache
	metaBank  string
	logger    observability.Logger
}

// NewKV creates a KV abstraction. metaCache stores mount metadata keyed
// by mount prefix under metaBank.
func NewKV(client *AuthenticatedClient, metaCache *BankCache, metaBank string, logger observability.Logger) *KV {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &KV{client: client, metaCache: metaCache, metaBank: metaBank, logger: logger}
}

// Read returns the secret at path. For v2 engines the data wrapper is
// stripped unless includeMetadata is set, in which case data and
// metadata are returned side by side.
func (k *KV) Read(ctx context.Context, path string, includeMetadata bool) (map[string]any, error) {
	paths, err := k.IsV2(ctx, path)
	if err != nil {
		return nil, err
	}
	res, err := k.client.Get(ctx, paths.Data)
	if err != nil {
		return nil, err
	}
	data, ok := res.Body["data"].(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: no data at %s", ErrNotFound, path)
	}
	if paths.V2 && !includeMetadata {
		inner, ok := data["data"].(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%w: no data at %s", ErrNotFound, path)
		}
		return inner, nil
	}
	return data, nil
}

// Write stores a secret at path.
func (k *KV) Write(ctx context.Context, path string, data map[string]any) error {
	paths, err := k.IsV2(ctx, path)
	if err != nil {
		return err
	}
	payload := any(data)
	if paths.V2 {
		payload = map[string]any{"data": data}
	}
	_, err = k.client.Post(ctx, paths.Data, payload)
	return err
}

// Patch partially updates a secret at path with JSON-merge-patch
// semantics: null deletes a key, nested objects merge recursively,
// anything else replaces. The server-side PATCH verb is preferred; when
// the server reports it unavailable the same merge is applied locally
// via read-modify-write. The fallback is not atomic with respect to
// concurrent writers.
func (k *KV) Patch(ctx context.Context, path string, patch map[string]any) error {
	paths, err := k.IsV2(ctx, path)
	if err != nil {
		return err
	}
	if !paths.V2 {
		return fmt.Errorf("%w: patch requires a v2 key/value engine", ErrUnsupportedOperation)
	}
	_, err = k.client.Patch(ctx, paths.Data, map[string]any{"data": patch})
	if err == nil {
		return nil
	}
	// 403 can mean the policy grants update but not patch, 405 an older
	// server; both fall back to the local merge.
	if !IsPermissionDenied(err) && !errors.Is(err, ErrUnsupportedOperation) {
		return err
	}
	k.logger.Debug("server-side patch unavailable, falling back to read-modify-write",
		observability.String("path", path), observability.Err(err))
	current, err := k.Read(ctx, path, false)
	if err != nil {
		return err
	}
	merged := jsonMergePatch(current, patch)
	return k.Write(ctx, path, merged)
}

// Delete soft-deletes the secret at path, or specific versions on a v2
// engine when versions are given.
func (k *KV) Delete(ctx context.Context, path string, versions []int) error {
	paths, err := k.IsV2(ctx, path)
	if err != nil {
		return err
	}
	if len(versions) > 0 {
		if !paths.V2 {
			return fmt.Errorf("%w: versioned delete requires a v2 key/value engine", ErrUnsupportedOperation)
		}
		_, err = k.client.Post(ctx, paths.DeleteVersions, map[string]any{"versions": versions})
		return err
	}
	_, err = k.client.Delete(ctx, paths.Delete)
	return err
}

// Destroy permanently removes specific versions of a v2 secret.
func (k *KV) Destroy(ctx context.Context, path string, versions []int) error {
	paths, err := k.IsV2(ctx, path)
	if err != nil {
		return err
	}
	if !paths.V2 {
		return fmt.Errorf("%w: destroy requires a v2 key/value engine", ErrUnsupportedOperation)
	}
	if len(versions) == 0 {
		return fmt.Errorf("%w: destroy requires version numbers", ErrInvocation)
	}
	_, err = k.client.Post(ctx, paths.Destroy, map[string]any{"versions": versions})
	return err
}

// Nuke removes all versions and metadata of a v2 secret.
func (k *KV) Nuke(ctx context.Context, path string) error {
	paths, err := k.IsV2(ctx, path)
	if err != nil {
		return err
	}
	if !paths.V2 {
		return fmt.Errorf("%w: metadata deletion requires a v2 key/value engine", ErrUnsupportedOperation)
	}
	_, err = k.client.Delete(ctx, paths.Metadata)
	return err
}

// List enumerates the keys below path.
func (k *KV) List(ctx context.Context, path string) ([]string, error) {
	paths, err := k.IsV2(ctx, path)
	if err != nil {
		return nil, err
	}
	res, err := k.client.List(ctx, paths.Metadata)
	if err != nil {
		return nil, err
	}
	data, ok := res.Body["data"].(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: no keys at %s", ErrNotFound, path)
	}
	rawKeys, ok := data["keys"].([]any)
	if !ok {
		return nil, fmt.Errorf("%w: no keys at %s", ErrNotFound, path)
	}
	keys := make([]string, 0, len(rawKeys))
	for _, rk := range rawKeys {
		if s, ok := rk.(string); ok {
			keys = append(keys, s)
		}
	}
	return keys, nil
}

// IsV2 determines whether path belongs to a versioned engine and
// returns the rewritten sub-paths. Mount metadata is cached per mount,
// so all paths under a detected mount share one server round trip.
func (k *KV) IsV2(ctx context.Context, path string) (*KVPaths, error) {
	paths := &KVPaths{
		Type:     "kv",
		Data:     path,
		Metadata: path,
		Delete:   path,
	}
	metadata, err := k.secretPathMetadata(ctx, path)
	if err != nil {
		return nil, err
	}
	if metadata == nil {
		return paths, nil
	}
	if t, ok := metadata["type"].(string); ok && t != "" {
		paths.Type = t
	}
	if options, ok := metadata["options"].(map[string]any); ok {
		if version := fmt.Sprintf("%v", options["version"]); version == "2" {
			paths.V2 = true
		}
	}
	if paths.V2 {
		mount, _ := metadata["path"].(string)
		if mount == "" {
			mount = strings.SplitN(path, "/", 2)[0] + "/"
		}
		paths.Data = v2ThePath(path, mount, "data")
		paths.Metadata = v2ThePath(path, mount, "metadata")
		paths.Delete = paths.Data
		paths.DeleteVersions = v2ThePath(path, mount, "delete")
		paths.Destroy = v2ThePath(path, mount, "destroy")
	}
	return paths, nil
}

// v2ThePath inserts a v2 path segment immediately after the mount
// prefix.
func v2ThePath(path, mount, segment string) string {
	mount = strings.TrimSuffix(mount, "/")
	rel := strings.TrimPrefix(path, mount)
	rel = strings.TrimPrefix(rel, "/")
	return joinPath(mount, segment, rel)
}

// joinPath joins path components, dropping empties.
func joinPath(parts ...string) string {
	nonEmpty := make([]string, 0, len(parts))
	for _, p := range parts {
		if p != "" {
			nonEmpty = append(nonEmpty, strings.Trim(p, "/"))
		}
	}
	return strings.Join(nonEmpty, "/")
}

// secretPathMetadata returns the mount metadata governing path, from
// cache or the server. Entries are cached under the server-reported
// mount prefix and looked up by prefix match, so sibling paths under an
// already-detected mount never refetch. A nil result means the server
// would not reveal the mount, which downgrades detection to v1
// defaults.
func (k *KV) secretPathMetadata(ctx context.Context, path string) (map[string]any, error) {
	if k.metaCache != nil {
		ckeys, err := k.metaCache.List(ctx, k.metaBank)
		if err != nil {
			return nil, err
		}
		if ckey, ok := matchMountCKey(ckeys, path); ok {
			data, err := k.metaCache.Get(ctx, k.metaBank, ckey)
			if err != nil {
				return nil, err
			}
			if data != nil {
				var metadata map[string]any
				if err := json.Unmarshal(data, &metadata); err == nil {
					return metadata, nil
				}
			}
		}
	}
	res, err := k.client.Get(ctx, "sys/internal/ui/mounts/"+path)
	if err != nil {
		if IsPermissionDenied(err) || IsNotFound(err) {
			k.logger.Debug("mount metadata unavailable, assuming unversioned engine",
				observability.String("path", path))
			return nil, nil
		}
		return nil, err
	}
	metadata, ok := res.Body["data"].(map[string]any)
	if !ok {
		return nil, nil
	}
	if k.metaCache != nil {
		mount, _ := metadata["path"].(string)
		if mount == "" {
			mount = path
		}
		if data, err := json.Marshal(metadata); err == nil {
			if err := k.metaCache.Store(ctx, k.metaBank, mountCKey(mount), data); err != nil {
				return nil, err
			}
		}
	}
	return metadata, nil
}

// mountCKey derives the cache key for a mount prefix.
func mountCKey(mount string) string {
	return strings.ReplaceAll(strings.TrimSuffix(mount, "/"), "/", ".")
}

// matchMountCKey finds the cached entry whose mount prefix covers path.
// Mounts cannot nest, so at most one entry matches.
func matchMountCKey(ckeys []string, path string) (string, bool) {
	for _, ckey := range ckeys {
		mount := strings.ReplaceAll(ckey, ".", "/")
		if path == mount || strings.HasPrefix(path, mount+"/") {
			return ckey, true
		}
	}
	return "", false
}

// jsonMergePatch applies JSON-merge-patch semantics: null deletes,
// objects merge recursively, other values replace.
func jsonMergePatch(target, patch map[string]any) map[string]any {
	out := make(map[string]any, len(target))
	for k, v := range target {
		out[k] = v
	}
	for k, v := range patch {
		if v == nil {
			delete(out, k)
			continue
		}
		if pm, ok := v.(map[string]any); ok {
			tm, _ := out[k].(map[string]any)
			if tm == nil {
				tm = map[string]any{}
			}
			out[k] = jsonMergePatch(tm, pm)
			continue
		}
		out[k] = v
	}
	return out
}
