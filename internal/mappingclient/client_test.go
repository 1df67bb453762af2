package mappingclient

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/beanstalker/fulfillment/internal/store/gormstore"
	"github.com/beanstalker/fulfillment/internal/webhookapi"
	"github.com/beanstalker/fulfillment/pkg/commerce"
	"github.com/beanstalker/fulfillment/pkg/fulfillment"
	"github.com/glebarez/sqlite"
	"github.com/golang-jwt/jwt/v5"
	"github.com/tyemirov/tauth/pkg/sessionvalidator"
	"gorm.io/gorm"
)

func staticSession(cookie *http.Cookie) SessionSource {
	return func(context.Context) (*http.Cookie, error) { return cookie, nil }
}

func TestRecordMappingStatusClassification(t *testing.T) {
	testCases := []struct {
		name      string
		status    int
		body      string
		wantErr   error
		transient bool
	}{
		{name: "ok", status: http.StatusOK, body: `{"status":"ok"}`},
		{name: "conflict", status: http.StatusConflict, body: `{"error":{"code":"mapping_conflict","message":"taken"}}`, wantErr: ErrMappingConflict},
		{name: "unknown account", status: http.StatusNotFound, body: `{}`, wantErr: ErrUnknownAccount},
		{name: "forbidden", status: http.StatusForbidden, body: `{}`, wantErr: ErrRejected},
		{name: "unavailable", status: http.StatusServiceUnavailable, body: `down`, wantErr: commerce.ErrTransient, transient: true},
		{name: "throttled", status: http.StatusTooManyRequests, body: ``, wantErr: commerce.ErrTransient, transient: true},
	}
	for _, testCase := range testCases {
		testCase := testCase
		t.Run(testCase.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
				if request.URL.Path != storeUserMappingPath || request.Method != http.MethodPost {
					writer.WriteHeader(http.StatusNotFound)
					return
				}
				writer.WriteHeader(testCase.status)
				_, _ = writer.Write([]byte(testCase.body))
			}))
			t.Cleanup(server.Close)
			client, err := New(Config{BaseURL: server.URL, Session: staticSession(nil)})
			if err != nil {
				t.Fatalf("client: %v", err)
			}
			err = client.RecordMapping(context.Background(), "$RCAnonymousID:abc", "54")
			if testCase.wantErr == nil {
				if err != nil {
					t.Fatalf("unexpected error %v", err)
				}
				return
			}
			if !errors.Is(err, testCase.wantErr) {
				t.Fatalf("expected %v, got %v", testCase.wantErr, err)
			}
			if commerce.IsTransient(err) != testCase.transient {
				t.Fatalf("transient=%v, want %v", commerce.IsTransient(err), testCase.transient)
			}
		})
	}
}

func TestBinderRetriesTransientRecording(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) == 1 {
			writer.WriteHeader(http.StatusBadGateway)
			return
		}
		writer.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(server.Close)
	client, err := New(Config{BaseURL: server.URL, Session: staticSession(nil)})
	if err != nil {
		t.Fatalf("client: %v", err)
	}
	binder, err := commerce.NewBinder(&anonymousSDK{identity: "$RCAnonymousID:abc"}, client, commerce.RetryPolicy{
		Attempts:       3,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     time.Millisecond,
		CallTimeout:    time.Second,
	})
	if err != nil {
		t.Fatalf("binder: %v", err)
	}
	result, err := binder.Bind(context.Background(), "54")
	if err != nil || !result.WasAnonymousFallback {
		t.Fatalf("unexpected bind %+v %v", result, err)
	}
	if calls.Load() != 2 {
		t.Fatalf("expected one retry, got %d calls", calls.Load())
	}
}

// anonymousSDK never adopts the requested identity.
type anonymousSDK struct {
	identity string
}

func (sdk *anonymousSDK) Configure(context.Context, string) error { return nil }
func (sdk *anonymousSDK) AppUserID(context.Context) (string, error) {
	return sdk.identity, nil
}
func (sdk *anonymousSDK) LogIn(context.Context, string) (string, error) {
	return sdk.identity, nil
}
func (sdk *anonymousSDK) Offerings(context.Context) ([]commerce.Offer, error) { return nil, nil }
func (sdk *anonymousSDK) Purchase(context.Context, commerce.Offer) (commerce.PurchaseReceipt, error) {
	return commerce.PurchaseReceipt{}, nil
}

func TestRecordMappingAgainstFulfillmentAPI(t *testing.T) {
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "mapping.db")), &gorm.Config{})
	if err != nil {
		t.Fatalf("sqlite open failed: %v", err)
	}
	if err := gormstore.Migrate(context.Background(), db); err != nil {
		t.Fatalf("migrate failed: %v", err)
	}
	sqlDB, _ := db.DB()
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	productID, _ := fulfillment.NewProductID("credits_25")
	reward, _ := fulfillment.NewReward(2500, false)
	catalog, err := fulfillment.NewCatalog(map[fulfillment.ProductID]fulfillment.Reward{productID: reward})
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}
	store := gormstore.New(db)
	service, err := fulfillment.NewService(store, catalog, func() int64 { return time.Now().UTC().Unix() })
	if err != nil {
		t.Fatalf("service: %v", err)
	}
	accountID, _ := fulfillment.NewAccountID("54")
	if err := service.RegisterAccount(context.Background(), accountID, "bean"); err != nil {
		t.Fatalf("register account: %v", err)
	}

	cfg := webhookapi.Config{WebhookSecret: "whsec", SessionSigningKey: "secret-key"}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("config: %v", err)
	}
	router, err := webhookapi.NewRouter(cfg, webhookapi.Dependencies{Service: service})
	if err != nil {
		t.Fatalf("router: %v", err)
	}
	server := httptest.NewServer(router)
	t.Cleanup(server.Close)

	claims := &sessionvalidator.Claims{
		UserID: "54",
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    cfg.SessionIssuer,
			IssuedAt:  jwt.NewNumericDate(time.Now().UTC()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(cfg.SessionSigningKey))
	if err != nil {
		t.Fatalf("token signing failed: %v", err)
	}
	client, err := New(Config{
		BaseURL: server.URL,
		Session: staticSession(&http.Cookie{Name: cfg.SessionCookieName, Value: signed}),
	})
	if err != nil {
		t.Fatalf("client: %v", err)
	}
	if err := client.RecordMapping(context.Background(), "$RCAnonymousID:abc", "54"); err != nil {
		t.Fatalf("record mapping: %v", err)
	}
	if err := client.RecordMapping(context.Background(), "$RCAnonymousID:abc", "54"); err != nil {
		t.Fatalf("repeated record mapping should be accepted: %v", err)
	}
	anonymousID, _ := fulfillment.NewAnonymousID("$RCAnonymousID:abc")
	mapping, err := store.FindMapping(context.Background(), anonymousID)
	if err != nil || mapping.AccountID != accountID || !mapping.Active {
		t.Fatalf("unexpected stored mapping %+v %v", mapping, err)
	}
	if err := client.RecordMapping(context.Background(), "$RCAnonymousID:abc", "55"); !errors.Is(err, ErrRejected) {
		t.Fatalf("expected forbidden rejection for a foreign account, got %v", err)
	}
}

func TestNewValidation(t *testing.T) {
	if _, err := New(Config{BaseURL: "", Session: staticSession(nil)}); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected invalid base url, got %v", err)
	}
	if _, err := New(Config{BaseURL: "http://localhost"}); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected missing session, got %v", err)
	}
}
