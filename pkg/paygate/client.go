package paygate

import (
	"errors"
	"net/url"
	"strconv"
	"time"

	"github.com/duchieu205/bookworld/pkg/config"
	"github.com/duchieu205/bookworld/pkg/models"
)

const (
	version       = "2.1.0"
	commandPay    = "pay"
	currencyVND   = "VND"
	dateLayout    = "20060102150405"
	codeSucceeded = "00"
)

// The provider reads and writes timestamps in Vietnam time.
var providerZone = time.FixedZone("ICT", 7*60*60)

type PaymentRequest struct {
	Reference string
	Amount    int64
	OrderInfo string
	IPAddr    string
	// ReturnURL overrides the configured order return URL.
	ReturnURL string
}

type PaymentLink struct {
	URL       string    `json:"payment_url"`
	Checksum  string    `json:"-"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Result is a verified provider redirect.
type Result struct {
	Reference         string
	TransactionNo     string
	ResponseCode      string
	TransactionStatus string
	BankCode          string
	RawAmount         int64

	scale int64
}

// Succeeded reports whether the provider captured the payment.
func (r *Result) Succeeded() bool {
	return r.ResponseCode == codeSucceeded &&
		(r.TransactionStatus == "" || r.TransactionStatus == codeSucceeded)
}

// AmountMatches compares the scaled amount the provider reports with total.
func (r *Result) AmountMatches(total int64) bool {
	return r.RawAmount == total*r.scale
}

// Client builds signed payment URLs and parses the provider's return
// redirect.
type Client struct {
	cfg    config.PaymentConfig
	signer *Signer
	now    func() time.Time
}

func NewClient(cfg config.PaymentConfig) *Client {
	return &Client{cfg: cfg, signer: NewSigner(cfg.HashSecret), now: time.Now}
}

func (c *Client) BuildPaymentURL(req PaymentRequest) (*PaymentLink, error) {
	if req.Reference == "" {
		return nil, errors.New("payment reference is required")
	}
	if req.Amount <= 0 {
		return nil, models.Errorf(models.ErrCodeInvalidRequest, "payment amount must be positive, got %d", req.Amount)
	}
	returnURL := req.ReturnURL
	if returnURL == "" {
		returnURL = c.cfg.ReturnURL
	}
	ip := req.IPAddr
	if ip == "" {
		ip = "127.0.0.1"
	}

	created := c.now().In(providerZone)
	expires := created.Add(c.cfg.ExpireAfter)

	params := url.Values{}
	params.Set("vnp_Version", version)
	params.Set("vnp_Command", commandPay)
	params.Set("vnp_TmnCode", c.cfg.TmnCode)
	params.Set("vnp_Amount", strconv.FormatInt(req.Amount*c.cfg.AmountScale, 10))
	params.Set("vnp_CurrCode", currencyVND)
	params.Set("vnp_TxnRef", req.Reference)
	params.Set("vnp_OrderInfo", req.OrderInfo)
	params.Set("vnp_OrderType", c.cfg.OrderType)
	params.Set("vnp_Locale", c.cfg.Locale)
	params.Set("vnp_ReturnUrl", returnURL)
	params.Set("vnp_IpAddr", ip)
	params.Set("vnp_CreateDate", created.Format(dateLayout))
	params.Set("vnp_ExpireDate", expires.Format(dateLayout))

	checksum := c.signer.Sign(params)
	return &PaymentLink{
		URL:       c.cfg.PayURL + "?" + Canonical(params) + "&" + paramSecureHash + "=" + checksum,
		Checksum:  checksum,
		ExpiresAt: expires.UTC(),
	}, nil
}

// ParseReturn verifies the checksum of a return redirect and decodes it.
// A bad checksum is InvalidSignature, and nothing in the query is trusted.
func (c *Client) ParseReturn(query url.Values) (*Result, error) {
	if !c.signer.Verify(query) {
		return nil, models.ErrInvalidSignature
	}
	ref := query.Get("vnp_TxnRef")
	if ref == "" {
		return nil, models.Errorf(models.ErrCodeInvalidRequest, "payment return is missing vnp_TxnRef")
	}
	raw, err := strconv.ParseInt(query.Get("vnp_Amount"), 10, 64)
	if err != nil {
		return nil, models.Errorf(models.ErrCodeInvalidRequest, "payment return has invalid vnp_Amount %q", query.Get("vnp_Amount"))
	}
	return &Result{
		Reference:         ref,
		TransactionNo:     query.Get("vnp_TransactionNo"),
		ResponseCode:      query.Get("vnp_ResponseCode"),
		TransactionStatus: query.Get("vnp_TransactionStatus"),
		BankCode:          query.Get("vnp_BankCode"),
		RawAmount:         raw,
		scale:             c.cfg.AmountScale,
	}, nil
}
