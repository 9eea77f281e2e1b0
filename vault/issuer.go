package vault

import (
	"context"
	"fmt"
)

// Issuer is the external collaborator that mints credentials and reports
// connection configuration on behalf of this process, typically the
// orchestration controller reached over a signed channel. Consumed, not
// implemented here.
type Issuer interface {
	// Issue performs a logical operation (generate_token,
	// generate_secret_id, get_config, ...) and returns its reply map.
	Issue(ctx context.Context, op string, params map[string]any) (map[string]any, error)
}

// Issuer operation names.
const (
	IssueOpGetConfig        = "get_config"
	IssueOpGenerateToken    = "generate_token"
	IssueOpGenerateSecretID = "generate_secret_id"
)

// queryIssuer performs an issuer operation and normalizes the reply:
// empty replies signal outdated configuration, explicit error replies
// may carry an expire_cache instruction, a reported server identity that
// disagrees with the expected one forces a config rebuild, and wrapped
// payloads are verified and unwrapped through the given client with
// side-channel misc_data merged in.
func queryIssuer(ctx context.Context, issuer Issuer, client *Client, op string, params map[string]any, expectedURL string, expectedCreationPaths []string) (map[string]any, error) {
	reply, err := issuer.Issue(ctx, op, params)
	if err != nil {
		return nil, err
	}
	if len(reply) == 0 {
		// The issuer reports nothing for this identity anymore; whatever
		// configuration led here is stale.
		return nil, fmt.Errorf("%w: issuer returned an empty reply for %s", ErrConfigExpired, op)
	}
	if errMsg, ok := reply["error"]; ok && errMsg != nil {
		if expire, _ := reply["expire_cache"].(bool); expire {
			return nil, fmt.Errorf("%w: issuer error for %s: %v", ErrConfigExpired, op, errMsg)
		}
		return nil, fmt.Errorf("vault: issuer error for %s: %v", op, errMsg)
	}
	if expectedURL != "" {
		if server, ok := reply["server"].(map[string]any); ok {
			if url, _ := server["url"].(string); url != "" && url != expectedURL {
				return nil, fmt.Errorf("%w: issuer reports server %s, cached config expects %s",
					ErrConfigExpired, url, expectedURL)
			}
		}
	}
	wrapInfo, ok := reply["wrap_info"].(map[string]any)
	if !ok {
		return reply, nil
	}
	if client == nil {
		return nil, fmt.Errorf("vault: wrapped %s reply cannot be verified without a client", op)
	}
	wrapped, err := NewWrappedResponse(wrapInfo)
	if err != nil {
		return nil, err
	}
	unwrapped, err := client.Unwrap(ctx, wrapped.ID, expectedCreationPaths)
	if err != nil {
		return nil, err
	}
	if misc, ok := reply["misc_data"].(map[string]any); ok {
		mergeMiscData(unwrapped, misc)
	}
	if wrapped.WrappedAccessor != "" {
		if data, ok := unwrapped["data"].(map[string]any); ok {
			if _, exists := data["wrapped_accessor"]; !exists {
				data["wrapped_accessor"] = wrapped.WrappedAccessor
			}
		}
	}
	return unwrapped, nil
}

// mergeMiscData fills fields the wrapping stripped, e.g. a secret-id's
// use limit reported outside the wrapped payload. Existing values win.
func mergeMiscData(body map[string]any, misc map[string]any) {
	data, ok := body["data"].(map[string]any)
	if !ok {
		data = map[string]any{}
		body["data"] = data
	}
	for k, v := range misc {
		if _, exists := data[k]; !exists {
			data[k] = v
		}
	}
}
