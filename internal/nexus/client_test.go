package nexus

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"shoutbot/internal/httpx"
)

func newClient(t *testing.T) *Client {
	t.Helper()
	hc, err := httpx.New(httpx.Options{})
	if err != nil {
		t.Fatal(err)
	}
	return New(hc)
}

func TestShoutSendsFormAndHeaders(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/shoutbox.php" {
			t.Errorf("path = %s", r.URL.Path)
		}
		q := r.URL.Query()
		if q.Get("shbox_text") != "求上传" || q.Get("shout") != "我喊" || q.Get("sent") != "yes" || q.Get("type") != "shoutbox" {
			t.Errorf("query = %v", q)
		}
		if r.Header.Get("Cookie") != "uid=1" || r.Header.Get("User-Agent") != "ua/1" {
			t.Errorf("headers = %v", r.Header)
		}
		if ref := r.Header.Get("Referer"); ref != "http://"+r.Host+"/index.php" {
			t.Errorf("referer = %q", ref)
		}
		_, _ = w.Write([]byte(`<table><tr><td class="shoutrow">[10:00] <a>bot</a> 求上传</td></tr></table>`))
	}))
	defer srv.Close()

	recs, err := newClient(t).Shout(context.Background(), Target{Name: "s", URL: srv.URL + "/index.php", Cookie: "uid=1", UA: "ua/1"}, "求上传")
	if err != nil {
		t.Fatalf("Shout: %v", err)
	}
	if len(recs) != 1 || recs[0].Author != "bot" {
		t.Fatalf("records = %+v", recs)
	}
}

func TestIncompleteTargetIsRejected(t *testing.T) {
	t.Parallel()
	c := newClient(t)
	_, err := c.Shout(context.Background(), Target{Name: "x", URL: "http://127.0.0.1:1"}, "hi")
	if !errors.Is(err, ErrIncomplete) {
		t.Fatalf("err = %v", err)
	}
}

func TestInboxAndMarkRead(t *testing.T) {
	t.Parallel()
	var marked []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			_, _ = w.Write([]byte(`<form><table>
<tr><td><img title="Unread"></td><td>Hi</td><td>System</td><td>now</td><td><input value="7"></td></tr>
</table></form>`))
		case http.MethodPost:
			if err := r.ParseForm(); err != nil {
				t.Error(err)
			}
			if r.PostForm.Get("action") != "moveordel" || r.PostForm.Get("box") != "1" {
				t.Errorf("form = %v", r.PostForm)
			}
			marked = r.PostForm["messages[]"]
		}
	}))
	defer srv.Close()

	c := newClient(t)
	tg := Target{Name: "s", URL: srv.URL, Cookie: "c", UA: "u"}
	rows, err := c.Inbox(context.Background(), tg)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 || rows[0].ID != "7" || !rows[0].Unread() {
		t.Fatalf("rows = %+v", rows)
	}
	if err := c.MarkRead(context.Background(), tg, []string{"7", "8"}); err != nil {
		t.Fatal(err)
	}
	if len(marked) != 2 || marked[0] != "7" {
		t.Fatalf("marked = %v", marked)
	}
}
