package dispatcher_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/angeloszaimis/credential-dispatcher/internal/dispatcher"
	"github.com/angeloszaimis/credential-dispatcher/internal/keypool"
	"github.com/angeloszaimis/credential-dispatcher/internal/provider"
)

func newProvider(name string, maxAttempts int, secrets ...string) *provider.Provider {
	pool, err := keypool.New(name, secrets)
	Expect(err).NotTo(HaveOccurred())
	p, err := provider.New(provider.Config{Name: name, Model: name + "-model", MaxAttempts: maxAttempts}, pool)
	Expect(err).NotTo(HaveOccurred())
	return p
}

func states(p *provider.Provider) []keypool.State {
	var out []keypool.State
	for _, k := range p.Pool().Keys() {
		out = append(out, k.State)
	}
	return out
}

var quotaErr = &provider.StatusError{Code: 429, Message: "quota exceeded"}

var _ = Describe("Dispatcher", func() {
	var ctx context.Context

	BeforeEach(func() {
		ctx = context.Background()
	})

	Describe("New", func() {
		It("should require at least one provider", func() {
			_, err := dispatcher.New(nil, nil)
			Expect(err).To(MatchError(dispatcher.ErrNoProviders))
		})

		It("should keep the priority order", func() {
			a := newProvider("a", 0, "a-key-1")
			b := newProvider("b", 0, "b-key-1")
			d, err := dispatcher.New(nil, []*provider.Provider{a, b})
			Expect(err).NotTo(HaveOccurred())
			Expect(d.Providers()).To(Equal([]*provider.Provider{a, b}))
		})
	})

	Context("when every key hits its quota", func() {
		It("should exhaust a single provider after one call per key", func() {
			p := newProvider("gemini", 0, "key-1-aaaaaa", "key-2-bbbbbb", "key-3-cccccc")
			d, _ := dispatcher.New(nil, []*provider.Provider{p})

			calls := 0
			var seen []string
			err := d.Do(ctx, func(_ context.Context, h provider.Handle) error {
				calls++
				seen = append(seen, h.APIKey)
				return quotaErr
			})

			Expect(calls).To(Equal(3))
			Expect(seen).To(Equal([]string{"key-1-aaaaaa", "key-2-bbbbbb", "key-3-cccccc"}))
			Expect(err).To(MatchError(dispatcher.ErrAllProvidersExhausted))

			var keysErr *dispatcher.ProviderKeysExhaustedError
			Expect(errors.As(err, &keysErr)).To(BeTrue())
			Expect(keysErr.Provider).To(Equal("gemini"))
			Expect(errors.Is(err, quotaErr)).To(BeTrue())

			Expect(states(p)).To(HaveEach(keypool.StateBlacklisted))
			Expect(p.Pool().ActiveCount()).To(BeZero())
		})

		It("should not call an already exhausted provider again", func() {
			p := newProvider("gemini", 0, "key-1-aaaaaa")
			d, _ := dispatcher.New(nil, []*provider.Provider{p})

			calls := 0
			fn := func(context.Context, provider.Handle) error {
				calls++
				return quotaErr
			}
			_ = d.Do(ctx, fn)
			err := d.Do(ctx, fn)

			Expect(calls).To(Equal(1))
			var keysErr *dispatcher.ProviderKeysExhaustedError
			Expect(errors.As(err, &keysErr)).To(BeTrue())
			Expect(keysErr.Cause).To(BeNil())
		})
	})

	Context("when the primary provider is out of quota", func() {
		It("should fall back to the next provider", func() {
			primary := newProvider("primary", 0, "p-key-1-aaaa", "p-key-2-bbbb")
			secondary := newProvider("secondary", 0, "s-key-1-cccc")
			d, _ := dispatcher.New(nil, []*provider.Provider{primary, secondary})

			calls := 0
			result, err := dispatcher.Execute(ctx, d, func(_ context.Context, h provider.Handle) (string, error) {
				calls++
				if h.Provider == "primary" {
					return "", quotaErr
				}
				return "answer from " + h.Model, nil
			})

			Expect(err).NotTo(HaveOccurred())
			Expect(result).To(Equal("answer from secondary-model"))
			Expect(calls).To(Equal(3))
			Expect(states(primary)).To(HaveEach(keypool.StateBlacklisted))

			keys := secondary.Pool().Keys()
			Expect(keys[0].State).To(Equal(keypool.StateActive))
			Expect(keys[0].RequestCount).To(Equal(int64(1)))
		})

		It("should rotate to the next key of the same provider first", func() {
			p := newProvider("gemini", 0, "key-1-aaaaaa", "key-2-bbbbbb")
			d, _ := dispatcher.New(nil, []*provider.Provider{p})

			var seen []string
			err := d.Do(ctx, func(_ context.Context, h provider.Handle) error {
				seen = append(seen, h.APIKey)
				if h.APIKey == "key-1-aaaaaa" {
					return &provider.StatusError{Code: 503, Message: "model overloaded"}
				}
				return nil
			})

			Expect(err).NotTo(HaveOccurred())
			Expect(seen).To(Equal([]string{"key-1-aaaaaa", "key-2-bbbbbb"}))
			Expect(states(p)).To(Equal([]keypool.State{keypool.StateBlacklisted, keypool.StateActive}))
		})
	})

	Context("when the upstream fails for a non-capacity reason", func() {
		It("should stop after one call and keep the key active", func() {
			p := newProvider("gemini", 0, "key-1-aaaaaa")
			d, _ := dispatcher.New(nil, []*provider.Provider{p})

			badRequest := &provider.StatusError{Code: 400, Message: "invalid argument"}
			calls := 0
			err := d.Do(ctx, func(context.Context, provider.Handle) error {
				calls++
				return badRequest
			})

			Expect(calls).To(Equal(1))
			var fatal *dispatcher.UpstreamFatalError
			Expect(errors.As(err, &fatal)).To(BeTrue())
			Expect(fatal.Provider).To(Equal("gemini"))
			Expect(fatal.Cause).To(Equal(badRequest))
			Expect(states(p)).To(Equal([]keypool.State{keypool.StateActive}))

			var exhausted *dispatcher.AllProvidersExhaustedError
			Expect(errors.As(err, &exhausted)).To(BeTrue())
			Expect(exhausted.Fatal()).To(BeTrue())
		})

		It("should not burn the provider's other keys", func() {
			first := newProvider("first", 0, "f-key-1-aaaa", "f-key-2-bbbb", "f-key-3-cccc")
			second := newProvider("second", 0, "s-key-1-dddd")
			d, _ := dispatcher.New(nil, []*provider.Provider{first, second})

			var seen []string
			err := d.Do(ctx, func(_ context.Context, h provider.Handle) error {
				seen = append(seen, h.APIKey)
				if h.Provider == "first" {
					return errors.New("malformed request")
				}
				return nil
			})

			Expect(err).NotTo(HaveOccurred())
			Expect(seen).To(Equal([]string{"f-key-1-aaaa", "s-key-1-dddd"}))
			Expect(first.Pool().ActiveCount()).To(Equal(3))
		})
	})

	Describe("Attempt bounds", func() {
		It("should never exceed the sum of per-provider attempts", func() {
			a := newProvider("a", 2, "a-key-1-aaaa", "a-key-2-bbbb", "a-key-3-cccc", "a-key-4-dddd")
			b := newProvider("b", 0, "b-key-1-eeee", "b-key-2-ffff")
			d, _ := dispatcher.New(nil, []*provider.Provider{a, b})

			calls := 0
			err := d.Do(ctx, func(context.Context, provider.Handle) error {
				calls++
				return &provider.StatusError{Code: 429, Message: "too many requests"}
			})

			Expect(err).To(MatchError(dispatcher.ErrAllProvidersExhausted))
			Expect(calls).To(Equal(2 + 2))
			Expect(a.Pool().ActiveCount()).To(Equal(2))
		})

		It("should stay bounded under concurrent callers", func() {
			p := newProvider("gemini", 0, "key-1-aaaaaa", "key-2-bbbbbb", "key-3-cccccc")
			d, _ := dispatcher.New(nil, []*provider.Provider{p})

			const goroutines = 20
			var calls atomic.Int64
			var wg sync.WaitGroup
			wg.Add(goroutines)

			for i := 0; i < goroutines; i++ {
				go func() {
					defer wg.Done()
					defer GinkgoRecover()
					var local int
					_ = d.Do(ctx, func(context.Context, provider.Handle) error {
						local++
						calls.Add(1)
						return quotaErr
					})
					Expect(local).To(BeNumerically("<=", 3))
				}()
			}

			wg.Wait()
			Expect(p.Pool().ActiveCount()).To(BeZero())
			Expect(calls.Load()).To(BeNumerically("<=", int64(goroutines*3)))
		})
	})

	Describe("Context", func() {
		It("should return the context error without calling upstream", func() {
			p := newProvider("gemini", 0, "key-1-aaaaaa")
			d, _ := dispatcher.New(nil, []*provider.Provider{p})

			cancelled, cancel := context.WithCancel(ctx)
			cancel()

			calls := 0
			err := d.Do(cancelled, func(context.Context, provider.Handle) error {
				calls++
				return nil
			})

			Expect(err).To(MatchError(context.Canceled))
			Expect(calls).To(BeZero())
		})

		It("should treat a call timeout as a non-capacity failure", func() {
			p := newProvider("gemini", 0, "key-1-aaaaaa", "key-2-bbbbbb")
			d, _ := dispatcher.New(nil, []*provider.Provider{p})

			err := d.Do(ctx, func(context.Context, provider.Handle) error {
				return context.DeadlineExceeded
			})

			var fatal *dispatcher.UpstreamFatalError
			Expect(errors.As(err, &fatal)).To(BeTrue())
			Expect(p.Pool().ActiveCount()).To(Equal(2))
		})
	})

	Describe("Execute", func() {
		It("should return the zero value on failure", func() {
			p := newProvider("gemini", 0, "key-1-aaaaaa")
			d, _ := dispatcher.New(nil, []*provider.Provider{p})

			n, err := dispatcher.Execute(ctx, d, func(context.Context, provider.Handle) (int, error) {
				return 42, errors.New("boom")
			})
			Expect(err).To(HaveOccurred())
			Expect(n).To(BeZero())
		})
	})

	Describe("ActiveKeys", func() {
		It("should report selectable keys per provider", func() {
			a := newProvider("a", 0, "a-key-1-aaaa", "a-key-2-bbbb")
			b := newProvider("b", 0, "b-key-1-cccc")
			d, _ := dispatcher.New(nil, []*provider.Provider{a, b})

			a.Pool().RecordFailure(0, keypool.FailureQuota)
			Expect(d.ActiveKeys()).To(Equal(map[string]int{"a": 1, "b": 1}))
		})
	})
})
