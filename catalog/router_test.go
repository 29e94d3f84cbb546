package catalog

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func testCatalog(t *testing.T) *Catalog {
	t.Helper()
	cat, err := New([]Provider{
		{ID: "main", BaseURL: "https://api.main.example/v1", APIKey: "sk-main"},
		{ID: "alt", BaseURL: "https://alt.example/api/", APIKey: "sk-alt"},
	}, []Model{
		{ID: "shared-model"},
		{ID: "alt-model", ProviderID: "alt"},
	}, "main")
	if err != nil {
		t.Fatalf("build catalog: %v", err)
	}
	return cat
}

func TestResolveDefaultProvider(t *testing.T) {
	router := NewRouter(testCatalog(t))
	target, err := router.Resolve("shared-model", "/v1/chat/completions")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if got := target.URL.String(); got != "https://api.main.example/v1/chat/completions" {
		t.Fatalf("url = %q", got)
	}
	if target.Provider.ID != "main" {
		t.Fatalf("provider = %q", target.Provider.ID)
	}
}

func TestResolveModelOverrideBeatsDefault(t *testing.T) {
	router := NewRouter(testCatalog(t))
	target, err := router.Resolve("alt-model", "/v1/embeddings")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if got := target.URL.String(); got != "https://alt.example/api/embeddings" {
		t.Fatalf("url = %q", got)
	}
	if target.Provider.ID != "alt" {
		t.Fatalf("provider = %q", target.Provider.ID)
	}
}

func TestResolveEmptyModelUsesDefault(t *testing.T) {
	router := NewRouter(testCatalog(t))
	target, err := router.Resolve("", "/v1/models")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if got := target.URL.String(); got != "https://api.main.example/v1/models" {
		t.Fatalf("url = %q", got)
	}
}

func TestResolveUnknownModel(t *testing.T) {
	router := NewRouter(testCatalog(t))
	if _, err := router.Resolve("missing", "/v1/chat/completions"); err == nil {
		t.Fatal("expected error for unknown model")
	}
}

func TestRewriteHeadersStripsAndSwaps(t *testing.T) {
	cat := testCatalog(t)
	provider, err := cat.ProviderFor("shared-model")
	if err != nil {
		t.Fatalf("provider: %v", err)
	}

	src := httptest.NewRequest("POST", "/v1/chat/completions", nil)
	src.Header.Set("Authorization", "Bearer sk-client")
	src.Header.Set("X-Cashu", "cashuBsecret")
	src.Header.Set("Refund-Lnurl", "lnurl1dest")
	src.Header.Set("Connection", "keep-alive")
	src.Header.Set("Content-Type", "application/json")
	src.Header.Set("User-Agent", "client/1.0")

	dst, _ := http.NewRequest("POST", "https://api.main.example/v1/chat/completions", nil)
	RewriteHeaders(dst, src.Header, provider)

	if got := dst.Header.Get("Authorization"); got != "Bearer sk-main" {
		t.Fatalf("authorization = %q", got)
	}
	for _, stripped := range []string{"X-Cashu", "Refund-Lnurl", "Connection"} {
		if dst.Header.Get(stripped) != "" {
			t.Fatalf("%s must not reach the upstream", stripped)
		}
	}
	if dst.Header.Get("Content-Type") != "application/json" {
		t.Fatal("content type dropped")
	}
	if dst.Header.Get("User-Agent") != "client/1.0" {
		t.Fatal("user agent dropped")
	}
}

func TestProviderAPIKeyFromEnv(t *testing.T) {
	t.Setenv("TEST_PROVIDER_KEY", "sk-from-env")
	cat, err := New([]Provider{
		{ID: "env", BaseURL: "https://env.example", APIKeyEnv: "TEST_PROVIDER_KEY"},
	}, nil, "")
	if err != nil {
		t.Fatalf("build catalog: %v", err)
	}
	provider, err := cat.DefaultProvider()
	if err != nil {
		t.Fatalf("default provider: %v", err)
	}
	if provider.APIKey != "sk-from-env" {
		t.Fatalf("api key = %q", provider.APIKey)
	}
}
