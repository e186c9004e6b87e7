package network

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/tidwall/gjson"
)

// DefaultKuboAPI is the default Kubo RPC endpoint.
const DefaultKuboAPI = "http://127.0.0.1:5001"

// unixfs node types reported in ls output.
const (
	unixfsDirectory = 1
	unixfsFile      = 2
)

// Kubo talks to an IPFS node over its HTTP RPC API.
type Kubo struct {
	api    string
	client *http.Client
}

// NewKubo creates a Kubo client. A nil client uses http.DefaultClient.
func NewKubo(api string, client *http.Client) *Kubo {
	if api == "" {
		api = DefaultKuboAPI
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &Kubo{api: strings.TrimRight(api, "/"), client: client}
}

func (k *Kubo) String() string { return k.api }

// Cat implements Fetcher.
func (k *Kubo) Cat(ctx context.Context, rootID, subpath string) ([]byte, error) {
	return k.call(ctx, "cat", ipfsPath(rootID, subpath), nil)
}

// List implements Lister using the structured `ls` response.
func (k *Kubo) List(ctx context.Context, rootID, dir string) ([]Link, error) {
	body, err := k.call(ctx, "ls", ipfsPath(rootID, dir), url.Values{
		"size":         {"true"},
		"resolve-type": {"true"},
	})
	if err != nil {
		return nil, err
	}
	return parseLsJSON(body)
}

func (k *Kubo) call(ctx context.Context, cmd, arg string, params url.Values) ([]byte, error) {
	if params == nil {
		params = url.Values{}
	}
	params.Set("arg", arg)
	endpoint := k.api + "/api/v0/" + cmd + "?" + params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("kubo %s: %w", cmd, err)
	}
	resp, err := k.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: kubo %s: %v", ErrUnavailable, cmd, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("kubo %s: read body: %w", cmd, err)
	}

	if resp.StatusCode != http.StatusOK {
		msg := gjson.GetBytes(body, "Message").String()
		if msg == "" {
			msg = strings.TrimSpace(string(body))
		}
		if sentinel := classifyMessage(msg); sentinel != nil {
			return nil, fmt.Errorf("%w: %s", sentinel, msg)
		}
		return nil, fmt.Errorf("kubo %s: status %d: %s", cmd, resp.StatusCode, msg)
	}
	return body, nil
}

// parseLsJSON reads {"Objects":[{"Links":[{"Name","Size","Type"}]}]}.
// Kubo streams one JSON document per object, so only the first is read.
func parseLsJSON(body []byte) ([]Link, error) {
	doc := firstDocument(body)
	if !gjson.ValidBytes(doc) {
		return nil, fmt.Errorf("ls: invalid json response")
	}
	var links []Link
	gjson.GetBytes(doc, "Objects.0.Links").ForEach(func(_, l gjson.Result) bool {
		name := l.Get("Name").String()
		if name == "" {
			return true
		}
		link := Link{Name: name, Size: -1}
		switch l.Get("Type").Int() {
		case unixfsDirectory:
			link.Dir = true
		case unixfsFile:
			link.Size = l.Get("Size").Int()
		default:
			if size := l.Get("Size"); size.Exists() && size.Int() > 0 {
				link.Size = size.Int()
			}
		}
		links = append(links, link)
		return true
	})
	return links, nil
}

func firstDocument(body []byte) []byte {
	body = bytes.TrimSpace(body)
	if i := bytes.IndexByte(body, '\n'); i >= 0 {
		return body[:i]
	}
	return body
}

func ipfsPath(rootID, subpath string) string {
	return "/ipfs" + ContentPath(rootID, subpath)
}
