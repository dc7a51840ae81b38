package translate

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

const youdaoEndpoint = "https://openapi.youdao.com/api"

// Youdao calls the Youdao text translation API with v3 signing.
type Youdao struct {
	source, target string
	endpoint       string
	client         *http.Client
	appKey, secret string
	now            func() time.Time
	salt           func() string
}

func NewYoudao(source, target, endpoint string, client *http.Client) *Youdao {
	if endpoint == "" {
		endpoint = youdaoEndpoint
	}
	if source == "" {
		source = "auto"
	}
	return &Youdao{
		source:   source,
		target:   target,
		endpoint: endpoint,
		client:   client,
		now:      time.Now,
		salt:     func() string { return uuid.NewString() },
	}
}

func (y *Youdao) Authenticate(c Credentials) error {
	if c.Key == "" || c.Secret == "" {
		return fmt.Errorf("youdao needs an app key and an app secret")
	}
	y.appKey, y.secret = c.Key, c.Secret
	return nil
}

// youdaoInput shortens long queries to first ten, length, last ten
// characters before signing.
func youdaoInput(q string) string {
	runes := []rune(q)
	n := len(runes)
	if n <= 20 {
		return q
	}
	return string(runes[:10]) + strconv.Itoa(n) + string(runes[n-10:])
}

func youdaoSign(appKey, q, salt, curtime, secret string) string {
	sum := sha256.Sum256([]byte(appKey + youdaoInput(q) + salt + curtime + secret))
	return hex.EncodeToString(sum[:])
}

type youdaoResponse struct {
	ErrorCode   string   `json:"errorCode"`
	Translation []string `json:"translation"`
}

func (y *Youdao) Translate(ctx context.Context, text string) (string, error) {
	if y.appKey == "" {
		return "", ErrNotAuthenticated
	}
	if strings.TrimSpace(text) == "" {
		return "", nil
	}
	salt := y.salt()
	curtime := strconv.FormatInt(y.now().Unix(), 10)
	form := url.Values{
		"q":        {text},
		"from":     {y.source},
		"to":       {y.target},
		"appKey":   {y.appKey},
		"salt":     {salt},
		"sign":     {youdaoSign(y.appKey, text, salt, curtime, y.secret)},
		"signType": {"v3"},
		"curtime":  {curtime},
		"strict":   {"true"},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, y.endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := y.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("youdao request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("youdao returned status %s", resp.Status)
	}

	var out youdaoResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode youdao response: %w", err)
	}
	if out.ErrorCode != "0" {
		return "", fmt.Errorf("youdao error code %s", out.ErrorCode)
	}
	if len(out.Translation) == 0 {
		return "", fmt.Errorf("youdao returned no translation")
	}
	return out.Translation[0], nil
}
