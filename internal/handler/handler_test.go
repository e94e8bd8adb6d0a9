package handler_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/angeloszaimis/credential-dispatcher/internal/dispatcher"
	"github.com/angeloszaimis/credential-dispatcher/internal/handler"
	"github.com/angeloszaimis/credential-dispatcher/internal/keypool"
	"github.com/angeloszaimis/credential-dispatcher/internal/metrics"
	"github.com/angeloszaimis/credential-dispatcher/internal/provider"
	"github.com/angeloszaimis/credential-dispatcher/internal/status"
	"github.com/angeloszaimis/credential-dispatcher/pkg/logger"
)

// fakeUpstream answers like an OpenAI-compatible API and fails keys by name.
type fakeUpstream struct {
	mutex     sync.Mutex
	exhausted map[string]bool
	rejected  map[string]bool
	calls     []string
}

func (f *fakeUpstream) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	key := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")

	f.mutex.Lock()
	f.calls = append(f.calls, key)
	exhausted, rejected := f.exhausted[key], f.rejected[key]
	f.mutex.Unlock()

	w.Header().Set("Content-Type", "application/json")
	switch {
	case exhausted:
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"message":"You exceeded your current quota","type":"insufficient_quota"}}`))
	case rejected:
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":{"message":"invalid model","type":"invalid_request_error"}}`))
	default:
		_, _ = w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"answer from ` + key + `"},"finish_reason":"stop"}],"usage":{"prompt_tokens":3,"completion_tokens":4}}`))
	}
}

func (f *fakeUpstream) Calls() []string {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return append([]string(nil), f.calls...)
}

var _ = Describe("Handler", func() {
	var (
		fake      *fakeUpstream
		server    *httptest.Server
		primary   *provider.Provider
		fallback  *provider.Provider
		collector *metrics.Collector
		router    *gin.Engine
		opts      handler.Options
	)

	newProvider := func(name string, secrets ...string) *provider.Provider {
		pool, err := keypool.New(name, secrets, keypool.WithEventSink(collector.Observe))
		Expect(err).NotTo(HaveOccurred())
		p, err := provider.New(provider.Config{
			Name:     name,
			Model:    name + "-model",
			Endpoint: provider.StaticEndpoint(server.URL + "/v1/chat/completions"),
		}, pool)
		Expect(err).NotTo(HaveOccurred())
		return p
	}

	build := func() {
		d, err := dispatcher.New(logger.Discard(), []*provider.Provider{primary, fallback})
		Expect(err).NotTo(HaveOccurred())
		reporter := status.NewReporter(d.Providers())
		router = handler.New(logger.Discard(), d, reporter, collector, opts).Router()
	}

	do := func(method, path, body string, headers ...string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		for i := 0; i+1 < len(headers); i += 2 {
			req.Header.Set(headers[i], headers[i+1])
		}
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		return rec
	}

	decode := func(rec *httptest.ResponseRecorder) map[string]any {
		var out map[string]any
		Expect(json.Unmarshal(rec.Body.Bytes(), &out)).To(Succeed())
		return out
	}

	BeforeEach(func() {
		fake = &fakeUpstream{exhausted: map[string]bool{}, rejected: map[string]bool{}}
		server = httptest.NewServer(fake)
		DeferCleanup(server.Close)

		collector = metrics.NewCollector(64, logger.Discard())
		primary = newProvider("gemini", "gemini-key-000001", "gemini-key-000002")
		fallback = newProvider("openai", "openai-key-000001")
		opts = handler.Options{}
	})

	JustBeforeEach(func() {
		build()
	})

	Describe("POST /v1/generate", func() {
		It("should answer with the primary provider", func() {
			rec := do(http.MethodPost, "/v1/generate", `{"prompt":"hello"}`)
			Expect(rec.Code).To(Equal(http.StatusOK))

			body := decode(rec)
			Expect(body["provider"]).To(Equal("gemini"))
			Expect(body["model"]).To(Equal("gemini-model"))
			Expect(body["text"]).To(Equal("answer from gemini-key-000001"))
			Expect(body["request_id"]).NotTo(BeEmpty())
			Expect(rec.Header().Get("X-Request-ID")).To(Equal(body["request_id"]))
		})

		It("should rotate past an exhausted key", func() {
			fake.exhausted["gemini-key-000001"] = true

			rec := do(http.MethodPost, "/v1/generate", `{"prompt":"hello"}`)
			Expect(rec.Code).To(Equal(http.StatusOK))
			Expect(decode(rec)["text"]).To(Equal("answer from gemini-key-000002"))
			Expect(primary.Pool().ActiveCount()).To(Equal(1))
		})

		It("should fall back when the primary provider is exhausted", func() {
			fake.exhausted["gemini-key-000001"] = true
			fake.exhausted["gemini-key-000002"] = true

			rec := do(http.MethodPost, "/v1/generate", `{"prompt":"hello"}`)
			Expect(rec.Code).To(Equal(http.StatusOK))
			Expect(decode(rec)["provider"]).To(Equal("openai"))
			Expect(fake.Calls()).To(Equal([]string{"gemini-key-000001", "gemini-key-000002", "openai-key-000001"}))
		})

		It("should answer 503 when every provider is exhausted", func() {
			for _, k := range []string{"gemini-key-000001", "gemini-key-000002", "openai-key-000001"} {
				fake.exhausted[k] = true
			}

			rec := do(http.MethodPost, "/v1/generate", `{"prompt":"hello"}`)
			Expect(rec.Code).To(Equal(http.StatusServiceUnavailable))
			Expect(decode(rec)["error"]).To(HaveKeyWithValue("type", "capacity_exhausted"))

			rec = do(http.MethodPost, "/v1/generate", `{"prompt":"again"}`)
			Expect(rec.Code).To(Equal(http.StatusServiceUnavailable))
			Expect(fake.Calls()).To(HaveLen(3))
		})

		It("should answer 502 when the last provider fails for another reason", func() {
			fake.exhausted["gemini-key-000001"] = true
			fake.exhausted["gemini-key-000002"] = true
			fake.rejected["openai-key-000001"] = true

			rec := do(http.MethodPost, "/v1/generate", `{"prompt":"hello"}`)
			Expect(rec.Code).To(Equal(http.StatusBadGateway))
			Expect(fallback.Pool().ActiveCount()).To(Equal(1))
		})

		It("should reject a request without a prompt", func() {
			rec := do(http.MethodPost, "/v1/generate", `{"system":"be brief"}`)
			Expect(rec.Code).To(Equal(http.StatusBadRequest))
			Expect(fake.Calls()).To(BeEmpty())
		})

		It("should reject malformed JSON", func() {
			rec := do(http.MethodPost, "/v1/generate", `{"prompt":`)
			Expect(rec.Code).To(Equal(http.StatusBadRequest))
		})

		It("should keep a caller supplied request id", func() {
			rec := do(http.MethodPost, "/v1/generate", `{"prompt":"hello"}`, "X-Request-ID", "trace-123")
			Expect(rec.Header().Get("X-Request-ID")).To(Equal("trace-123"))
		})
	})

	Describe("GET /health", func() {
		It("should report active keys per provider", func() {
			rec := do(http.MethodGet, "/health", "")
			Expect(rec.Code).To(Equal(http.StatusOK))
			Expect(decode(rec)["active_keys"]).To(Equal(map[string]any{"gemini": 2.0, "openai": 1.0}))
		})

		It("should answer 503 once nothing is selectable", func() {
			primary.Pool().RecordFailure(0, keypool.FailureQuota)
			primary.Pool().RecordFailure(1, keypool.FailureQuota)
			fallback.Pool().RecordFailure(0, keypool.FailureRateLimit)

			rec := do(http.MethodGet, "/health", "")
			Expect(rec.Code).To(Equal(http.StatusServiceUnavailable))
			Expect(decode(rec)["status"]).To(Equal("exhausted"))
		})
	})

	Describe("admin routes", func() {
		Context("without a token", func() {
			It("should serve the status report with masked keys", func() {
				primary.Pool().RecordFailure(0, keypool.FailureQuota)

				rec := do(http.MethodGet, "/admin/status", "")
				Expect(rec.Code).To(Equal(http.StatusOK))
				Expect(rec.Body.String()).NotTo(ContainSubstring("gemini-key-000001"))

				var snap status.Snapshot
				Expect(json.Unmarshal(rec.Body.Bytes(), &snap)).To(Succeed())
				Expect(snap.Providers).To(HaveLen(2))
				Expect(snap.Providers[0].ActiveKeys).To(Equal(1))
				Expect(snap.Providers[0].Keys[0].MaskedID).To(Equal("gemini-k..."))
				Expect(snap.Providers[0].Keys[0].Blacklisted).To(BeTrue())
			})

			It("should reset every pool", func() {
				primary.Pool().RecordFailure(0, keypool.FailureQuota)
				fallback.Pool().RecordFailure(0, keypool.FailureQuota)

				rec := do(http.MethodPost, "/admin/reset", "")
				Expect(rec.Code).To(Equal(http.StatusOK))
				Expect(primary.Pool().ActiveCount()).To(Equal(2))
				Expect(fallback.Pool().ActiveCount()).To(Equal(1))
			})

			It("should serve metrics", func() {
				rec := do(http.MethodGet, "/admin/metrics", "")
				Expect(rec.Code).To(Equal(http.StatusOK))
				Expect(decode(rec)).To(HaveKey("providers"))
			})
		})

		Context("with a token", func() {
			BeforeEach(func() {
				opts.AdminToken = "admin-secret"
			})

			It("should reject a missing token", func() {
				rec := do(http.MethodGet, "/admin/status", "")
				Expect(rec.Code).To(Equal(http.StatusUnauthorized))
			})

			It("should reject a wrong token", func() {
				rec := do(http.MethodPost, "/admin/reset", "", "Authorization", "Bearer nope")
				Expect(rec.Code).To(Equal(http.StatusUnauthorized))
			})

			It("should accept the configured token", func() {
				rec := do(http.MethodGet, "/admin/status", "", "Authorization", "Bearer admin-secret")
				Expect(rec.Code).To(Equal(http.StatusOK))
			})

			It("should leave the generate endpoint open", func() {
				rec := do(http.MethodPost, "/v1/generate", `{"prompt":"hello"}`)
				Expect(rec.Code).To(Equal(http.StatusOK))
			})
		})

		Context("with rate limiting", func() {
			BeforeEach(func() {
				opts.AdminRate = 0.001
				opts.AdminBurst = 2
			})

			It("should refuse requests beyond the burst", func() {
				Expect(do(http.MethodGet, "/admin/status", "").Code).To(Equal(http.StatusOK))
				Expect(do(http.MethodGet, "/admin/status", "").Code).To(Equal(http.StatusOK))
				Expect(do(http.MethodGet, "/admin/status", "").Code).To(Equal(http.StatusTooManyRequests))
			})

			It("should not limit the health check", func() {
				for i := 0; i < 5; i++ {
					Expect(do(http.MethodGet, "/health", "").Code).To(Equal(http.StatusOK))
				}
			})
		})
	})
})
