package translate

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

const baiduEndpoint = "http://api.fanyi.baidu.com/api/trans/vip/translate"

// Baidu calls the Baidu general translation API.
type Baidu struct {
	source, target string
	endpoint       string
	client         *http.Client
	appID, appKey  string
	salt           func() string
}

func NewBaidu(source, target, endpoint string, client *http.Client) *Baidu {
	if endpoint == "" {
		endpoint = baiduEndpoint
	}
	if source == "" {
		source = "auto"
	}
	return &Baidu{
		source:   source,
		target:   target,
		endpoint: endpoint,
		client:   client,
		salt:     func() string { return strconv.Itoa(32768 + rand.IntN(32768)) },
	}
}

func (b *Baidu) Authenticate(c Credentials) error {
	if c.Key == "" || c.Secret == "" {
		return fmt.Errorf("baidu needs an app id and an app key")
	}
	b.appID, b.appKey = c.Key, c.Secret
	return nil
}

type baiduResponse struct {
	ErrorCode   string `json:"error_code"`
	ErrorMsg    string `json:"error_msg"`
	TransResult []struct {
		Src string `json:"src"`
		Dst string `json:"dst"`
	} `json:"trans_result"`
}

func baiduSign(appID, query, salt, appKey string) string {
	sum := md5.Sum([]byte(appID + query + salt + appKey))
	return hex.EncodeToString(sum[:])
}

func (b *Baidu) Translate(ctx context.Context, text string) (string, error) {
	if b.appID == "" {
		return "", ErrNotAuthenticated
	}
	if strings.TrimSpace(text) == "" {
		return "", nil
	}
	salt := b.salt()
	params := url.Values{
		"appid": {b.appID},
		"q":     {text},
		"from":  {b.source},
		"to":    {b.target},
		"salt":  {salt},
		"sign":  {baiduSign(b.appID, text, salt, b.appKey)},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.endpoint, strings.NewReader(params.Encode()))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := b.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("baidu request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("baidu returned status %s", resp.Status)
	}

	var out baiduResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode baidu response: %w", err)
	}
	if out.ErrorCode != "" && out.ErrorCode != "52000" {
		return "", fmt.Errorf("baidu error %s: %s", out.ErrorCode, out.ErrorMsg)
	}
	if len(out.TransResult) == 0 {
		return "", fmt.Errorf("baidu returned no translation")
	}
	return out.TransResult[len(out.TransResult)-1].Dst, nil
}
