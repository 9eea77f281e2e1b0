package vault

import (
	"fmt"
	"time"
)

// timeNow is swapped out in tests to control validity arithmetic.
var timeNow = time.Now

// LeaseBase holds the fields shared by every credential that expires by
// time. Duration of zero means the credential never expires.
type LeaseBase struct {
	// ID is the opaque credential or lease identifier.
	ID string `json:"id"`

	// Renewable indicates whether the server allows renewal.
	Renewable bool `json:"renewable"`

	// Duration is the validity period in seconds. Zero = never expires.
	Duration int64 `json:"duration"`

	// CreationTime is the unix timestamp the credential was issued at.
	CreationTime int64 `json:"creation_time"`

	// ExpireTime is the unix timestamp the credential expires at.
	ExpireTime int64 `json:"expire_time"`
}

// IsValidFor reports whether the credential will still be valid in
// validFor seconds. blur tolerates small timing slop: a credential that
// undercuts validFor by at most blur seconds still counts as valid.
func (b *LeaseBase) IsValidFor(validFor, blur int64) bool {
	if b.Duration == 0 {
		return true
	}
	delta := b.ExpireTime - timeNow().Unix() - validFor
	return delta >= -blur
}

// withRenewed derives an updated copy from a renewal response. The expiry
// is recomputed from the current time and the (possibly updated) duration
// unless the response reports an explicit expire time.
func (b LeaseBase) withRenewed(data map[string]any) (LeaseBase, error) {
	out := b
	out.ExpireTime = 0
	if v, ok := firstOf(data, "lease_duration", "ttl", "duration"); ok {
		d, err := parseSeconds(v)
		if err != nil {
			return out, err
		}
		out.Duration = d
	}
	if v, ok := data["renewable"].(bool); ok {
		out.Renewable = v
	}
	if v, ok := firstOf(data, "lease_id", "client_token", "id"); ok {
		if s, ok := v.(string); ok && s != "" {
			out.ID = s
		}
	}
	if v, ok := data["expire_time"]; ok {
		ts, err := parseTimestamp(v)
		if err != nil {
			return out, err
		}
		out.ExpireTime = ts
	}
	if out.ExpireTime == 0 {
		out.ExpireTime = timeNow().Unix() + out.Duration
	}
	return out, nil
}

// newLeaseBase builds a LeaseBase from an API payload, trying idKeys in
// order for the identifier and durationKeys for the validity period.
func newLeaseBase(data map[string]any, idKeys, durationKeys []string) (LeaseBase, error) {
	base := LeaseBase{}
	for _, k := range idKeys {
		if s, ok := data[k].(string); ok && s != "" {
			base.ID = s
			break
		}
	}
	if v, ok := data["renewable"].(bool); ok {
		base.Renewable = v
	}
	for _, k := range durationKeys {
		if v, ok := data[k]; ok && v != nil {
			d, err := parseSeconds(v)
			if err != nil {
				return base, err
			}
			base.Duration = d
			break
		}
	}
	now := timeNow().Unix()
	base.CreationTime = now
	if v, ok := data["creation_time"]; ok && v != nil {
		ts, err := parseTimestamp(v)
		if err != nil {
			return base, err
		}
		base.CreationTime = ts
	}
	base.ExpireTime = now + base.Duration
	if v, ok := data["expire_time"]; ok && v != nil {
		ts, err := parseTimestamp(v)
		if err != nil {
			return base, err
		}
		base.ExpireTime = ts
	}
	return base, nil
}

// firstOf returns the first present key's value from data.
func firstOf(data map[string]any, keys ...string) (any, bool) {
	for _, k := range keys {
		if v, ok := data[k]; ok && v != nil {
			return v, true
		}
	}
	return nil, false
}

// UseCount tracks use-limited credentials. NumUses of zero means
// unlimited.
type UseCount struct {
	// NumUses is the total number of uses the server granted.
	NumUses int `json:"num_uses"`

	// Uses is the number of uses already consumed.
	Uses int `json:"use_count"`
}

// HasUsesLeft reports whether n more uses fit within the grant.
func (u *UseCount) HasUsesLeft(n int) bool {
	return u.NumUses == 0 || u.NumUses-(u.Uses+n) >= 0
}

// Use consumes one use. The counter never decrements.
func (u *UseCount) Use() {
	u.Uses++
}

// Unlimited reports whether the credential is not use-limited.
func (u *UseCount) Unlimited() bool {
	return u.NumUses == 0
}

// Token is an authentication token, limited by time and use count.
type Token struct {
	LeaseBase
	UseCount

	// Accessor references the token without revealing it.
	Accessor string `json:"accessor,omitempty"`

	// WrappedAccessor references the wrapping token the token arrived in.
	WrappedAccessor string `json:"wrapped_accessor,omitempty"`

	// invalid marks the "nothing cached yet" sentinel. Never serialized,
	// sentinels are never cached.
	invalid bool
}

// InvalidToken returns a sentinel token that never validates.
func InvalidToken() *Token {
	return &Token{invalid: true}
}

// NewToken builds a Token from a login/create response's auth section or a
// token lookup response's data section.
func NewToken(data map[string]any) (*Token, error) {
	base, err := newLeaseBase(data, []string{"client_token", "lease_id", "id"}, []string{"lease_duration", "ttl", "duration"})
	if err != nil {
		return nil, err
	}
	t := &Token{LeaseBase: base}
	if v, ok := firstOf(data, "num_uses"); ok {
		t.NumUses = parseCount(v)
	}
	if v, ok := firstOf(data, "use_count"); ok {
		t.Uses = parseCount(v)
	}
	if s, ok := data["accessor"].(string); ok {
		t.Accessor = s
	}
	if s, ok := data["wrapped_accessor"].(string); ok {
		t.WrappedAccessor = s
	}
	if t.ID == "" {
		return nil, fmt.Errorf("%w: token payload carries no token", ErrInvocation)
	}
	return t, nil
}

// IsValid reports whether the token is time-valid for validFor seconds and
// has uses more uses left.
func (t *Token) IsValid(validFor int64, uses int) bool {
	if t == nil || t.invalid {
		return false
	}
	return t.IsValidFor(validFor, 0) && t.HasUsesLeft(uses)
}

// IsRenewable reports whether renewing the token is worthwhile. Renewal
// itself consumes a use, so a token on its last use is not renewable.
func (t *Token) IsRenewable() bool {
	if t == nil || t.invalid {
		return false
	}
	return t.Renewable && t.IsValid(0, 2)
}

// WithRenewed returns a new Token with fields updated from a renewal
// response. The receiver is not modified.
func (t *Token) WithRenewed(data map[string]any) (*Token, error) {
	base, err := t.LeaseBase.withRenewed(data)
	if err != nil {
		return nil, err
	}
	out := *t
	out.LeaseBase = base
	if v, ok := firstOf(data, "num_uses"); ok {
		out.NumUses = parseCount(v)
	}
	if v, ok := firstOf(data, "use_count"); ok {
		out.Uses = parseCount(v)
	}
	if s, ok := data["accessor"].(string); ok {
		out.Accessor = s
	}
	return &out, nil
}

// SecretID is an AppRole secret-id, limited by time and use count.
type SecretID struct {
	LeaseBase
	UseCount

	// Accessor references the secret-id without revealing it.
	Accessor string `json:"accessor,omitempty"`

	// local marks operator-supplied secret-ids from static configuration.
	// Always valid, never cached.
	local bool

	// invalid marks the "nothing cached yet" sentinel.
	invalid bool
}

// InvalidSecretID returns a sentinel secret-id that never validates.
func InvalidSecretID() *SecretID {
	return &SecretID{invalid: true}
}

// LocalSecretID wraps an operator-supplied secret-id that never expires
// and must never be written to cache.
func LocalSecretID(secretID string) *SecretID {
	return &SecretID{LeaseBase: LeaseBase{ID: secretID}, local: true}
}

// NewSecretID builds a SecretID from a secret-id issuance response.
func NewSecretID(data map[string]any) (*SecretID, error) {
	base, err := newLeaseBase(data, []string{"secret_id", "id"}, []string{"secret_id_ttl", "ttl", "duration"})
	if err != nil {
		return nil, err
	}
	s := &SecretID{LeaseBase: base}
	if v, ok := firstOf(data, "secret_id_num_uses", "num_uses"); ok {
		s.NumUses = parseCount(v)
	}
	if v, ok := firstOf(data, "use_count"); ok {
		s.Uses = parseCount(v)
	}
	if acc, ok := firstOf(data, "secret_id_accessor", "accessor"); ok {
		if str, ok := acc.(string); ok {
			s.Accessor = str
		}
	}
	if s.ID == "" {
		return nil, fmt.Errorf("%w: secret-id payload carries no secret-id", ErrInvocation)
	}
	return s, nil
}

// IsValid reports whether the secret-id can still authenticate uses times
// within validFor seconds. Local secret-ids are always valid.
func (s *SecretID) IsValid(validFor int64, uses int) bool {
	if s == nil || s.invalid {
		return false
	}
	if s.local {
		return true
	}
	return s.IsValidFor(validFor, 0) && s.HasUsesLeft(uses)
}

// IsLocal reports whether the secret-id came from static configuration.
func (s *SecretID) IsLocal() bool {
	return s != nil && s.local
}

// Lease is a handle to a dynamically generated secret. Validity is
// time-only.
type Lease struct {
	LeaseBase

	// Data is the secret payload, e.g. database credentials.
	Data map[string]any `json:"data,omitempty"`

	// MinTTL is an optional per-lease validity floor requested at issuance.
	MinTTL int64 `json:"min_ttl,omitempty"`

	// RenewIncrement is an optional per-lease default renewal increment.
	RenewIncrement int64 `json:"renew_increment,omitempty"`

	// Meta is opaque caller-supplied metadata stored with the lease.
	Meta any `json:"meta,omitempty"`
}

// NewLease builds a Lease from a dynamic secret response body.
func NewLease(body map[string]any) (*Lease, error) {
	base, err := newLeaseBase(body, []string{"lease_id", "id"}, []string{"lease_duration", "ttl", "duration"})
	if err != nil {
		return nil, err
	}
	l := &Lease{LeaseBase: base}
	if data, ok := body["data"].(map[string]any); ok {
		l.Data = data
	}
	if v, ok := body["min_ttl"]; ok {
		ttl, err := parseSeconds(v)
		if err != nil {
			return nil, err
		}
		l.MinTTL = ttl
	}
	if v, ok := body["renew_increment"]; ok {
		inc, err := parseSeconds(v)
		if err != nil {
			return nil, err
		}
		l.RenewIncrement = inc
	}
	if meta, ok := body["meta"]; ok {
		l.Meta = meta
	}
	if l.ID == "" {
		return nil, fmt.Errorf("%w: lease payload carries no lease id", ErrInvocation)
	}
	return l, nil
}

// WithRenewed returns a new Lease with fields updated from a renewal
// response. The receiver is not modified.
func (l *Lease) WithRenewed(data map[string]any) (*Lease, error) {
	base, err := l.LeaseBase.withRenewed(data)
	if err != nil {
		return nil, err
	}
	out := *l
	out.LeaseBase = base
	return &out, nil
}

// WrappedResponse describes a response-wrapping token. It is never
// renewable and is exchanged exactly once for its payload.
type WrappedResponse struct {
	LeaseBase

	// CreationPath is the endpoint that created the wrapping token. Used
	// to detect substituted tokens before unwrapping.
	CreationPath string `json:"creation_path"`

	// WrappedAccessor references the credential inside the wrapping.
	WrappedAccessor string `json:"wrapped_accessor,omitempty"`
}

// NewWrappedResponse builds a WrappedResponse from a wrap_info section.
func NewWrappedResponse(wrapInfo map[string]any) (*WrappedResponse, error) {
	base, err := newLeaseBase(wrapInfo, []string{"token", "id"}, []string{"ttl", "duration"})
	if err != nil {
		return nil, err
	}
	base.Renewable = false
	w := &WrappedResponse{LeaseBase: base}
	if s, ok := wrapInfo["creation_path"].(string); ok {
		w.CreationPath = s
	}
	if s, ok := wrapInfo["wrapped_accessor"].(string); ok {
		w.WrappedAccessor = s
	}
	if w.ID == "" {
		return nil, fmt.Errorf("%w: wrap_info carries no wrapping token", ErrInvocation)
	}
	return w, nil
}

// AppRole pairs a role-id with an optional secret-id. A role that
// requires no secret-id is always valid.
type AppRole struct {
	// RoleID is the semi-public role identifier.
	RoleID string

	// SecretID is the secret part of the pair, nil if the role is bound
	// without one.
	SecretID *SecretID
}

// IsValid delegates validity to the secret-id if one is set.
func (r *AppRole) IsValid(validFor int64, uses int) bool {
	if r.SecretID == nil {
		return true
	}
	return r.SecretID.IsValid(validFor, uses)
}

// Use forwards use accounting to the secret-id if one is set.
func (r *AppRole) Use() {
	if r.SecretID != nil {
		r.SecretID.Use()
	}
}

// Payload returns the login request body for the role.
func (r *AppRole) Payload() map[string]any {
	payload := map[string]any{"role_id": r.RoleID}
	if r.SecretID != nil {
		payload["secret_id"] = r.SecretID.ID
	}
	return payload
}
