// Package convert maps domain models to and from the protobuf Struct messages of the admin API.
package convert

import (
	"fmt"
	"time"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/and161185/e2ee-identity/internal/model"
)

// --- helpers ---

func str(s string) *structpb.Value { return structpb.NewStringValue(s) }

func ts(t *time.Time) *structpb.Value {
	if t == nil || t.IsZero() {
		return structpb.NewNullValue()
	}
	return str(t.UTC().Format(time.RFC3339Nano))
}

// --- Profile ---

// ToProtoProfile renders a profile as a Struct value; nil becomes null.
func ToProtoProfile(p model.Profile) *structpb.Value {
	if p == nil {
		return structpb.NewNullValue()
	}
	fields := make(map[string]*structpb.Value, len(p))
	for k, v := range p {
		fields[k] = str(v)
	}
	return structpb.NewStructValue(&structpb.Struct{Fields: fields})
}

// FromProtoProfile accepts null (meaning "clear") or a struct of strings.
func FromProtoProfile(v *structpb.Value) (model.Profile, error) {
	if v == nil {
		return nil, nil
	}
	switch k := v.GetKind().(type) {
	case *structpb.Value_NullValue:
		return nil, nil
	case *structpb.Value_StructValue:
		out := make(model.Profile, len(k.StructValue.GetFields()))
		for key, fv := range k.StructValue.GetFields() {
			s, ok := fv.GetKind().(*structpb.Value_StringValue)
			if !ok {
				return nil, fmt.Errorf("profile key %q: value must be a string", key)
			}
			out[key] = s.StringValue
		}
		return out, nil
	default:
		return nil, fmt.Errorf("profile must be an object or null")
	}
}

// --- User ---

// ToProtoUser is the admin view of a user. Hashes, salts and key material are never included.
func ToProtoUser(u *model.User) *structpb.Struct {
	if u == nil {
		return nil
	}
	created := u.CreationTime
	fields := map[string]*structpb.Value{
		"userId":           str(u.UserID.String()),
		"username":         str(u.Username),
		"appId":            str(u.AppID.String()),
		"creationTime":     ts(&created),
		"profile":          ToProtoProfile(u.Profile),
		"protectedProfile": ToProtoProfile(u.ProtectedProfile),
	}
	if u.Email != "" {
		fields["email"] = str(u.Email)
	}
	if subs := toProtoSubscriptions(u.Subscriptions); subs != nil {
		fields["subscriptions"] = subs
	}
	return &structpb.Struct{Fields: fields}
}

func toProtoSubscriptions(s model.Subscriptions) *structpb.Value {
	if len(s) == 0 {
		return nil
	}
	envs := make(map[string]*structpb.Value, len(s))
	for env, sub := range s {
		f := map[string]*structpb.Value{
			"subscriptionId": str(sub.SubscriptionID),
			"planId":         str(sub.PlanID),
			"status":         str(sub.Status),
		}
		if sub.CancelAt != nil {
			at := time.Unix(*sub.CancelAt, 0)
			f["cancelAt"] = ts(&at)
		}
		envs[string(env)] = structpb.NewStructValue(&structpb.Struct{Fields: f})
	}
	return structpb.NewStructValue(&structpb.Struct{Fields: envs})
}

// ToProtoPrincipal answers VerifyAuthToken and AuthenticateSession.
func ToProtoPrincipal(p *model.Principal) *structpb.Struct {
	out := &structpb.Struct{Fields: map[string]*structpb.Value{}}
	if p == nil {
		return out
	}
	if u := ToProtoUser(p.User); u != nil {
		out.Fields["user"] = structpb.NewStructValue(u)
	}
	if p.App != nil {
		out.Fields["appId"] = str(p.App.AppID.String())
	}
	if p.Admin != nil {
		out.Fields["adminId"] = str(p.Admin.AdminID.String())
	}
	return out
}

// --- Requests ---

// StringField returns the string at key; absent and non-string values report false.
func StringField(s *structpb.Struct, key string) (string, bool) {
	v, ok := s.GetFields()[key]
	if !ok {
		return "", false
	}
	sv, ok := v.GetKind().(*structpb.Value_StringValue)
	if !ok {
		return "", false
	}
	return sv.StringValue, true
}

// Field returns the raw value at key, nil when absent.
func Field(s *structpb.Struct, key string) *structpb.Value {
	return s.GetFields()[key]
}
