package convert

import (
	"testing"
	"time"

	u "github.com/gofrs/uuid/v5"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/and161185/e2ee-identity/internal/model"
)

func TestProfile_RoundTrip(t *testing.T) {
	t.Parallel()

	v := ToProtoProfile(model.Profile{"plan": "pro", "tz": "UTC"})
	p, err := FromProtoProfile(v)
	require.NoError(t, err)
	require.Equal(t, model.Profile{"plan": "pro", "tz": "UTC"}, p)

	// nil and null both mean "clear"
	p, err = FromProtoProfile(nil)
	require.NoError(t, err)
	require.Nil(t, p)
	p, err = FromProtoProfile(ToProtoProfile(nil))
	require.NoError(t, err)
	require.Nil(t, p)
}

func TestFromProtoProfile_Rejects(t *testing.T) {
	t.Parallel()

	s, err := structpb.NewStruct(map[string]any{"n": 1})
	require.NoError(t, err)
	if _, err := FromProtoProfile(structpb.NewStructValue(s)); err == nil {
		t.Fatalf("want error on non-string value")
	}
	if _, err := FromProtoProfile(structpb.NewStringValue("x")); err == nil {
		t.Fatalf("want error on scalar profile")
	}
}

func TestToProtoUser_OmitsSecrets(t *testing.T) {
	t.Parallel()

	cancelAt := int64(1900000000)
	usr := &model.User{
		UserID:            u.Must(u.NewV4()),
		AppID:             u.Must(u.NewV4()),
		Username:          "alice",
		PasswordTokenHash: "hash",
		PublicKey:         "pk",
		CreationTime:      time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
		Email:             "alice@example.com",
		ProtectedProfile:  model.Profile{"tier": "gold"},
		Subscriptions: model.Subscriptions{
			model.EnvProd: {SubscriptionID: "sub_1", PlanID: "price_1", Status: model.StatusActive, CancelAt: &cancelAt},
		},
	}
	s := ToProtoUser(usr)
	m := s.AsMap()

	require.Equal(t, usr.UserID.String(), m["userId"])
	require.Equal(t, "alice", m["username"])
	require.Equal(t, "2024-03-01T12:00:00Z", m["creationTime"])
	require.Equal(t, "alice@example.com", m["email"])
	require.Nil(t, m["profile"])
	require.Equal(t, map[string]any{"tier": "gold"}, m["protectedProfile"])
	for _, k := range []string{"passwordTokenHash", "publicKey", "PasswordTokenHash"} {
		require.NotContains(t, m, k)
	}

	subs := m["subscriptions"].(map[string]any)["prod"].(map[string]any)
	require.Equal(t, "active", subs["status"])
	require.Equal(t, "2030-03-17T17:46:40Z", subs["cancelAt"])
}

func TestToProtoPrincipal(t *testing.T) {
	t.Parallel()

	require.Empty(t, ToProtoPrincipal(nil).GetFields())

	app := &model.App{AppID: u.Must(u.NewV4())}
	admin := &model.Admin{AdminID: u.Must(u.NewV4())}
	p := ToProtoPrincipal(&model.Principal{User: &model.User{Username: "bob"}, App: app, Admin: admin})
	got, ok := StringField(p, "appId")
	require.True(t, ok)
	require.Equal(t, app.AppID.String(), got)
	got, _ = StringField(p, "adminId")
	require.Equal(t, admin.AdminID.String(), got)
	require.Equal(t, "bob", Field(p, "user").GetStructValue().GetFields()["username"].GetStringValue())
}

func TestStringField(t *testing.T) {
	t.Parallel()

	s, err := structpb.NewStruct(map[string]any{"a": "x", "b": true})
	require.NoError(t, err)

	v, ok := StringField(s, "a")
	require.True(t, ok)
	require.Equal(t, "x", v)
	_, ok = StringField(s, "b")
	require.False(t, ok)
	_, ok = StringField(s, "missing")
	require.False(t, ok)
	_, ok = StringField(nil, "a")
	require.False(t, ok)
	require.Nil(t, Field(s, "missing"))
}
