package telegram

import (
	"bufio"
	"context"
	"fmt"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/gotd/td/session"
	"github.com/gotd/td/telegram"
	"github.com/gotd/td/telegram/auth"
	"github.com/gotd/td/telegram/dcs"
	"github.com/gotd/td/tg"
	"go.uber.org/zap"
	"golang.org/x/net/proxy"
)

// Options configures the MTProto client.
type Options struct {
	APIID       int
	APIHash     string
	SessionFile string
	Phone       string
	ProxyURL    string // optional socks5://host:port

	// Logger receives the library's internal logs. Nil disables them.
	Logger *zap.Logger
}

// mtClient is the gotd-backed Client. The underlying connection runs in
// a background goroutine for the lifetime of the client; every RPC
// method rides on it.
type mtClient struct {
	opts Options

	mu     sync.Mutex
	client *telegram.Client
	api    *tg.Client
	ready  chan struct{}
	done   chan struct{}
	cancel context.CancelFunc
	runErr error

	peers *peerCache
}

// New creates a client and starts connecting. Callers must Ready()
// before issuing RPCs and Close() when finished.
func New(opts Options) (Client, error) {
	if opts.APIID == 0 || opts.APIHash == "" {
		return nil, fmt.Errorf("api_id and api_hash are required")
	}
	c := &mtClient{
		opts:  opts,
		peers: newPeerCache(),
	}
	if err := c.start(); err != nil {
		return nil, err
	}
	return c, nil
}

// start builds a fresh gotd client and launches its Run loop. Holds no
// lock assumptions; callers serialize via c.mu.
func (c *mtClient) start() error {
	tgOpts := telegram.Options{
		SessionStorage: &session.FileStorage{Path: c.opts.SessionFile},
	}
	if c.opts.Logger != nil {
		tgOpts.Logger = c.opts.Logger
	}
	if c.opts.ProxyURL != "" {
		dialer, err := proxyDialer(c.opts.ProxyURL)
		if err != nil {
			return fmt.Errorf("configure proxy: %w", err)
		}
		tgOpts.Resolver = dcs.Plain(dcs.PlainOptions{Dial: dialer.DialContext})
	}

	client := telegram.NewClient(c.opts.APIID, c.opts.APIHash, tgOpts)
	runCtx, cancel := context.WithCancel(context.Background())
	ready := make(chan struct{})
	done := make(chan struct{})

	c.mu.Lock()
	c.client = client
	c.ready = ready
	c.done = done
	c.cancel = cancel
	c.runErr = nil
	c.mu.Unlock()

	go func() {
		defer close(done)
		err := client.Run(runCtx, func(ctx context.Context) error {
			if err := c.authorize(ctx, client); err != nil {
				return err
			}
			c.mu.Lock()
			c.api = client.API()
			c.mu.Unlock()
			close(ready)
			<-ctx.Done()
			return ctx.Err()
		})
		c.mu.Lock()
		c.runErr = err
		c.mu.Unlock()
	}()
	return nil
}

// authorize checks session status and runs the code flow when the
// stored session is absent or invalid.
func (c *mtClient) authorize(ctx context.Context, client *telegram.Client) error {
	status, err := client.Auth().Status(ctx)
	if err != nil {
		return fmt.Errorf("check auth status: %w", err)
	}
	if status.Authorized {
		return nil
	}
	if c.opts.Phone == "" {
		return &AuthError{Reason: "no stored session and no phone configured"}
	}
	flow := auth.NewFlow(termAuth{phone: c.opts.Phone}, auth.SendCodeOptions{})
	if err := client.Auth().IfNecessary(ctx, flow); err != nil {
		return fmt.Errorf("sign in: %w", err)
	}
	return nil
}

func (c *mtClient) Ready(ctx context.Context) error {
	c.mu.Lock()
	ready, done := c.ready, c.done
	c.mu.Unlock()
	select {
	case <-ready:
		return nil
	case <-done:
		c.mu.Lock()
		err := c.runErr
		c.mu.Unlock()
		if err == nil {
			err = fmt.Errorf("client stopped before becoming ready")
		}
		return mapRPCError(err)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Reconnect tears down the running connection and starts a new one.
// The session file is reused; peers keep their cached access hashes.
func (c *mtClient) Reconnect(ctx context.Context) error {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.mu.Unlock()
	cancel()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	if err := c.start(); err != nil {
		return err
	}
	return c.Ready(ctx)
}

func (c *mtClient) Close() error {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.mu.Unlock()
	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
	}
	return nil
}

// tgAPI returns the raw API handle, failing if the client is not ready.
func (c *mtClient) tgAPI() (*tg.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.api == nil {
		return nil, fmt.Errorf("client not ready")
	}
	return c.api, nil
}

// proxyDialer builds a socks5 context dialer from a proxy URL.
func proxyDialer(raw string) (proxy.ContextDialer, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, err
	}
	if u.Scheme != "socks5" {
		return nil, fmt.Errorf("unsupported proxy scheme %q", u.Scheme)
	}
	var pauth *proxy.Auth
	if u.User != nil {
		pass, _ := u.User.Password()
		pauth = &proxy.Auth{User: u.User.Username(), Password: pass}
	}
	d, err := proxy.SOCKS5("tcp", u.Host, pauth, proxy.Direct)
	if err != nil {
		return nil, err
	}
	cd, ok := d.(proxy.ContextDialer)
	if !ok {
		return nil, fmt.Errorf("proxy dialer does not support context")
	}
	return cd, nil
}

// termAuth prompts for the login code (and 2FA password) on the
// terminal. Sign-up is refused: the account must already exist.
type termAuth struct {
	phone string
}

func (a termAuth) Phone(_ context.Context) (string, error) {
	return a.phone, nil
}

func (a termAuth) Code(_ context.Context, _ *tg.AuthSentCode) (string, error) {
	fmt.Print("Enter the code sent to ", a.phone, ": ")
	code, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(code), nil
}

func (a termAuth) Password(_ context.Context) (string, error) {
	fmt.Print("Enter 2FA password: ")
	pass, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(pass), nil
}

func (a termAuth) AcceptTermsOfService(_ context.Context, _ tg.HelpTermsOfService) error {
	return nil
}

func (a termAuth) SignUp(_ context.Context) (auth.UserInfo, error) {
	return auth.UserInfo{}, fmt.Errorf("sign-up is not supported")
}
