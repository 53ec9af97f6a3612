package portal_executor

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/campusnet/portal-keeper/src/config_manager"
	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakePortal serves both the landing page and the eportal API
type fakePortal struct {
	server *httptest.Server

	mu           sync.Mutex
	landingPage  string
	landingFails int32
	loginReply   string
	logoutReply  string
	loginQueries []map[string]string
	logoutCalls  int32
	lastHeaders  http.Header

	landingCalls int32
}

func newFakePortal(t *testing.T) *fakePortal {
	p := &fakePortal{
		landingPage: `<script>v46ip='10.96.1.23'; v4ip='10.96.1.24';</script>`,
		loginReply:  `dr1004({"result":1,"msg":"Portal协议认证成功！"});`,
		logoutReply: `dr1003({"result":"1","msg":"注销成功"});`,
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&p.landingCalls, 1)
		p.mu.Lock()
		defer p.mu.Unlock()
		if n <= p.landingFails {
			http.Error(w, "busy", http.StatusServiceUnavailable)
			return
		}
		fmt.Fprint(w, p.landingPage)
	})
	mux.HandleFunc("/eportal/portal/login", func(w http.ResponseWriter, r *http.Request) {
		p.mu.Lock()
		defer p.mu.Unlock()
		q := map[string]string{}
		for k := range r.URL.Query() {
			q[k] = r.URL.Query().Get(k)
		}
		p.loginQueries = append(p.loginQueries, q)
		p.lastHeaders = r.Header.Clone()
		fmt.Fprint(w, p.loginReply)
	})
	mux.HandleFunc("/eportal/portal/logout", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&p.logoutCalls, 1)
		p.mu.Lock()
		defer p.mu.Unlock()
		fmt.Fprint(w, p.logoutReply)
	})
	p.server = httptest.NewServer(mux)
	t.Cleanup(p.server.Close)
	return p
}

func (p *fakePortal) queries() []map[string]string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]map[string]string(nil), p.loginQueries...)
}

func (p *fakePortal) headers() http.Header {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastHeaders.Clone()
}

func (p *fakePortal) executor(t *testing.T) *HTTPExecutor {
	t.Helper()
	exec, err := NewHTTPExecutor(config_manager.ExecutorConfig{
		Kind:               "http",
		EportalURL:         p.server.URL + "/eportal/portal/",
		LogoutRepeat:       2,
		IPDiscoveryRetries: 2,
	})
	require.NoError(t, err)
	exec.newBackOff = func() backoff.BackOff { return &backoff.ZeroBackOff{} }
	return exec
}

func (p *fakePortal) creds(isp ISP) Credentials {
	return Credentials{
		Username:  "8208190101",
		Password:  "hunter2",
		ISP:       isp,
		PortalURL: p.server.URL + "/",
	}
}

func TestHTTPExecutor_LoginSuccess(t *testing.T) {
	portal := newFakePortal(t)
	exec := portal.executor(t)

	err := exec.Login(context.Background(), portal.creds(ISPTelecom))
	require.NoError(t, err)

	require.Len(t, portal.queries(), 1)
	q := portal.queries()[0]
	assert.Equal(t, "dr1004", q["callback"])
	assert.Equal(t, "1", q["login_method"])
	assert.Equal(t, ",1,8208190101@telecomn", q["user_account"])
	assert.Equal(t, "hunter2", q["user_password"])
	assert.Equal(t, "10.96.1.23", q["wlan_user_ip"])

	headers := portal.headers()
	assert.Equal(t, browserUserAgent, headers.Get("User-Agent"))
	assert.Equal(t, "http://127.0.0.1", headers.Get("Origin"))
	assert.Equal(t, "http://127.0.0.1/", headers.Get("Referer"))
}

func TestHTTPExecutor_LoginRejected(t *testing.T) {
	portal := newFakePortal(t)
	portal.loginReply = `dr1004({"result":"0","msg":"账号或密码错误(ldap校验)","ret_code":"1"});`
	exec := portal.executor(t)

	err := exec.Login(context.Background(), portal.creds(ISPCampus))
	require.Error(t, err)

	var loginErr *LoginError
	require.ErrorAs(t, err, &loginErr)
	assert.Equal(t, "账号或密码错误(ldap校验)", loginErr.Reason)
	assert.Equal(t, 1, loginErr.Code)
	assert.False(t, IsConfigError(err))

	assert.Equal(t, ",1,8208190101", portal.queries()[0]["user_account"])
}

func TestHTTPExecutor_MalformedResponse(t *testing.T) {
	portal := newFakePortal(t)
	portal.loginReply = `<html>maintenance</html>`
	exec := portal.executor(t)

	err := exec.Login(context.Background(), portal.creds(ISPMobile))
	var loginErr *LoginError
	require.ErrorAs(t, err, &loginErr)
	assert.Equal(t, "malformed portal response", loginErr.Reason)
}

func TestHTTPExecutor_InvalidCredentialsNeverReachPortal(t *testing.T) {
	portal := newFakePortal(t)
	exec := portal.executor(t)

	creds := portal.creds(ISPMobile)
	creds.Password = ""

	err := exec.Login(context.Background(), creds)
	require.Error(t, err)
	assert.True(t, IsConfigError(err))
	assert.Equal(t, int32(0), atomic.LoadInt32(&portal.landingCalls))
	assert.Empty(t, portal.queries())
}

func TestHTTPExecutor_RetriesIPDiscovery(t *testing.T) {
	portal := newFakePortal(t)
	portal.landingFails = 2
	portal.landingPage = `var ss5="172.16.4.9";`
	exec := portal.executor(t)

	require.NoError(t, exec.Login(context.Background(), portal.creds(ISPUnicom)))
	assert.Equal(t, int32(3), atomic.LoadInt32(&portal.landingCalls))
	assert.Equal(t, "172.16.4.9", portal.queries()[0]["wlan_user_ip"])
}

func TestHTTPExecutor_IPDiscoveryGivesUp(t *testing.T) {
	portal := newFakePortal(t)
	portal.landingPage = `<html>no address here</html>`
	exec := portal.executor(t)

	err := exec.Login(context.Background(), portal.creds(ISPUnicom))
	var loginErr *LoginError
	require.ErrorAs(t, err, &loginErr)
	assert.Contains(t, loginErr.Reason, "client IP")
	// one try plus two retries
	assert.Equal(t, int32(3), atomic.LoadInt32(&portal.landingCalls))
	assert.Empty(t, portal.queries())
}

func TestHTTPExecutor_LogoutRepeats(t *testing.T) {
	portal := newFakePortal(t)
	exec := portal.executor(t)

	require.NoError(t, exec.Logout(context.Background(), portal.creds(ISPCampus)))
	assert.Equal(t, int32(2), atomic.LoadInt32(&portal.logoutCalls))
}

func TestHTTPExecutor_LoginHonoursCancellation(t *testing.T) {
	block := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-block:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	defer close(block)

	exec, err := NewHTTPExecutor(config_manager.ExecutorConfig{EportalURL: server.URL})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	err = exec.Login(ctx, Credentials{Username: "u", Password: "p", ISP: ISPCampus, PortalURL: server.URL})
	require.Error(t, err)
	assert.Less(t, time.Since(start), 3*time.Second)
}

func TestNewHTTPExecutor_RejectsBadURL(t *testing.T) {
	_, err := NewHTTPExecutor(config_manager.ExecutorConfig{EportalURL: "ftp://portal"})
	require.Error(t, err)
	assert.True(t, IsConfigError(err))
}

func TestExtractClientIP(t *testing.T) {
	tests := []struct {
		name string
		page string
		want string
		ok   bool
	}{
		{name: "v46ip wins", page: `v4ip='10.0.0.2' v46ip='10.0.0.1'`, want: "10.0.0.1", ok: true},
		{name: "empty v46ip falls through", page: `v46ip='' v4ip='10.0.0.2'`, want: "10.0.0.2", ok: true},
		{name: "ss5 form", page: `ss5="192.168.7.7"`, want: "192.168.7.7", ok: true},
		{name: "garbage rejected", page: `v4ip='not-an-ip'`, ok: false},
		{name: "nothing", page: `<html></html>`, ok: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := extractClientIP(tt.page)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseJSONP(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		result  int
		msg     string
		wantErr bool
	}{
		{name: "jsonp", body: `dr1004({"result":1,"msg":"ok"});`, result: 1, msg: "ok"},
		{name: "string result", body: "dr1004({\"result\":\"0\",\"msg\":\"(bad)\"})\n", result: 0, msg: "(bad)"},
		{name: "bare json with parens", body: `{"result":1,"msg":"fine (really)"}`, result: 1, msg: "fine (really)"},
		{name: "not json", body: `dr1004(nope);`, wantErr: true},
		{name: "no wrapper", body: `oops`, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := parseJSONP([]byte(tt.body))
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.result, int(resp.Result))
			assert.Equal(t, tt.msg, resp.Msg)
		})
	}
}
