// Package caclient is the Conta Azul HTTP client: OAuth2 token rotation,
// the strict contas-a-receber/pagar payload shape, and the baixa write-off
// call (spec.md §4.8, §6).
package caclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"github.com/vinescrow/mlca-reconciler/internal/domain"
	"github.com/vinescrow/mlca-reconciler/internal/ratelimit"
)

// Config holds the CA OAuth client credentials and hosted-auth endpoint.
type Config struct {
	BaseURL      string
	AuthURL      string // hosted auth endpoint, not the IDP directly (spec.md §6)
	ClientID     string
	ClientSecret string
	MutationTimeout time.Duration
}

// Client is the CA HTTP client, shared across all sellers.
type Client struct {
	cfg     Config
	http    *http.Client
	limiter *ratelimit.Limiter
	tokens  *tokenCache
	log     zerolog.Logger
}

func New(cfg Config, sellers domain.SellerRepository, limiter *ratelimit.Limiter, log zerolog.Logger) *Client {
	if cfg.MutationTimeout <= 0 {
		cfg.MutationTimeout = 60 * time.Second
	}
	return &Client{
		cfg:     cfg,
		http:    &http.Client{Timeout: cfg.MutationTimeout},
		limiter: limiter,
		tokens:  newTokenCache(sellers, log.With().Str("component", "ca_token_cache").Logger()),
		log:     log.With().Str("component", "ca_client").Logger(),
	}
}

// Receivable and Payable are the two eventos-financeiros path segments a
// queued CA job's endpoint is built from (spec.md §6).
const (
	Receivable = "contas-a-receber"
	Payable    = "contas-a-pagar"
)

// Response is CA's mutation response shape: {protocolo, status: "PENDING"},
// never {id} (spec.md §4.8 "CA response shape").
type Response struct {
	Protocolo string `json:"protocolo"`
	Status    string `json:"status"`
}

// Parcela is one installment of a contas-a-receber/pagar payload. Every
// parcela must carry DetalheValor or CA rejects with 400 (spec.md §6).
type Parcela struct {
	DataVencimento string       `json:"data_vencimento"`
	DetalheValor   DetalheValor `json:"detalhe_valor"`
}

type DetalheValor struct {
	ValorBruto   string `json:"valor_bruto"`
	ValorLiquido string `json:"valor_liquido"`
}

// EventoFinanceiro is the request body for both contas-a-receber and
// contas-a-pagar.
type EventoFinanceiro struct {
	Descricao      string    `json:"descricao"`
	ContaFinanceira string   `json:"conta_financeira"`
	CentroDeCusto  string    `json:"centro_de_custo"`
	Contato        string    `json:"contato,omitempty"`
	DataCompetencia string   `json:"data_competencia"`
	Parcelas       []Parcela `json:"parcelas"`
}

func (c *Client) refreshToken(ctx context.Context, refreshToken string) (domain.CATokens, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return domain.CATokens{}, err
	}

	form := fmt.Sprintf("grant_type=refresh_token&refresh_token=%s&client_id=%s&client_secret=%s", refreshToken, c.cfg.ClientID, c.cfg.ClientSecret)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.AuthURL+"/oauth2/token", bytes.NewBufferString(form))
	if err != nil {
		return domain.CATokens{}, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.http.Do(req)
	if err != nil {
		return domain.CATokens{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return domain.CATokens{}, fmt.Errorf("ca oauth refresh failed: %d %s", resp.StatusCode, string(body))
	}

	var out struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		ExpiresIn    int    `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return domain.CATokens{}, err
	}
	return domain.CATokens{
		AccessToken:  out.AccessToken,
		RefreshToken: out.RefreshToken,
		ExpiresAt:    time.Now().Add(time.Duration(out.ExpiresIn) * time.Second),
	}, nil
}

// do performs one authenticated CA call, handling 401 by invalidating the
// cache and retrying exactly once within the same attempt (spec.md §4.2
// "401: Invalidate token cache; retry (same attempt)").
func (c *Client) do(ctx context.Context, seller *domain.Seller, method, path string, body any) (*http.Response, []byte, error) {
	var payload []byte
	var err error
	if body != nil {
		payload, err = json.Marshal(body)
		if err != nil {
			return nil, nil, err
		}
	}

	attempt := func(force bool) (*http.Response, []byte, error) {
		token, err := c.tokens.Get(ctx, seller, c.refreshToken, force)
		if err != nil {
			return nil, nil, err
		}
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, nil, err
		}

		var reqBody io.Reader
		if payload != nil {
			reqBody = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, reqBody)
		if err != nil {
			return nil, nil, err
		}
		req.Header.Set("Authorization", "Bearer "+token)
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return nil, nil, err
		}
		defer resp.Body.Close()
		respBody, _ := io.ReadAll(resp.Body)
		return resp, respBody, nil
	}

	resp, respBody, err := attempt(false)
	if err != nil {
		return resp, respBody, err
	}
	if resp.StatusCode == http.StatusUnauthorized {
		c.tokens.Invalidate(seller.ID)
		resp, respBody, err = attempt(true)
	}
	return resp, respBody, err
}

// PostContaAReceber emits a receivable (spec.md §6 "contas-a-receber").
func (c *Client) PostContaAReceber(ctx context.Context, seller *domain.Seller, evt EventoFinanceiro) (*Response, int, []byte, error) {
	return c.postEvento(ctx, seller, "/v1/financeiro/eventos-financeiros/contas-a-receber", evt)
}

// PostContaAPagar emits a payable: commission, shipping, or a reversal
// (spec.md §6 "contas-a-pagar").
func (c *Client) PostContaAPagar(ctx context.Context, seller *domain.Seller, evt EventoFinanceiro) (*Response, int, []byte, error) {
	return c.postEvento(ctx, seller, "/v1/financeiro/eventos-financeiros/contas-a-pagar", evt)
}

func (c *Client) postEvento(ctx context.Context, seller *domain.Seller, path string, evt EventoFinanceiro) (*Response, int, []byte, error) {
	resp, body, err := c.do(ctx, seller, http.MethodPost, path, evt)
	if err != nil {
		return nil, 0, nil, err
	}
	status := resp.StatusCode
	if status < 200 || status >= 300 {
		return nil, status, body, fmt.Errorf("ca %s returned %d", path, status)
	}
	var out Response
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, status, body, fmt.Errorf("ca response decode: %w", err)
	}
	return &out, status, body, nil
}

// ParcelaAberta is one open installment as returned by GET .../parcelas and
// the buscar search (spec.md §6).
type ParcelaAberta struct {
	ID             string    `json:"id"`
	Descricao      string    `json:"descricao"`
	DataVencimento time.Time `json:"data_vencimento"`
	ValorBruto     string    `json:"valor_bruto"`
}

// BuscarContasAbertas lists open installments for a bank account using the
// query-parameter search (spec.md §6: "GET — not POST").
func (c *Client) BuscarContasAbertas(ctx context.Context, seller *domain.Seller, kind string, bankAccountID string, dueBefore time.Time) ([]ParcelaAberta, error) {
	path := fmt.Sprintf("/v1/financeiro/eventos-financeiros/%s/buscar?conta_financeira=%s&vencimento_ate=%s",
		kind, bankAccountID, dueBefore.Format("2006-01-02"))
	resp, body, err := c.do(ctx, seller, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("ca buscar contas returned %d", resp.StatusCode)
	}
	var out struct {
		Parcelas []ParcelaAberta `json:"parcelas"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, err
	}
	return out.Parcelas, nil
}

// PostBaixa writes off a single installment once its payment has been
// released (spec.md §4.5 "Enqueue").
func (c *Client) PostBaixa(ctx context.Context, seller *domain.Seller, parcelaID string, dataPagamento time.Time, valorPago string) (*Response, int, []byte, error) {
	path := fmt.Sprintf("/v1/financeiro/eventos-financeiros/parcelas/%s/baixa", parcelaID)
	body := map[string]string{
		"data_pagamento": dataPagamento.Format("2006-01-02"),
		"valor_pago":     valorPago,
	}
	resp, respBody, err := c.do(ctx, seller, http.MethodPost, path, body)
	if err != nil {
		return nil, 0, nil, err
	}
	status := resp.StatusCode
	if status < 200 || status >= 300 {
		return nil, status, respBody, fmt.Errorf("ca baixa returned %d", status)
	}
	var out Response
	if err := json.Unmarshal(respBody, &out); err != nil {
		return nil, status, respBody, fmt.Errorf("ca baixa response decode: %w", err)
	}
	return &out, status, respBody, nil
}

// GetContaFinanceira and GetCentroDeCusto validate the seller's CA
// identifiers during onboarding (spec.md §6).
func (c *Client) GetContaFinanceira(ctx context.Context, seller *domain.Seller, id string) error {
	resp, _, err := c.do(ctx, seller, http.MethodGet, "/v1/conta-financeira/"+id, nil)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("conta_financeira %s not found: %d", id, resp.StatusCode)
	}
	return nil
}

func (c *Client) GetCentroDeCusto(ctx context.Context, seller *domain.Seller, id string) error {
	resp, _, err := c.do(ctx, seller, http.MethodGet, "/v1/centro-de-custo/"+id, nil)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("centro_de_custo %s not found: %d", id, resp.StatusCode)
	}
	return nil
}

// Do exposes the low-level authenticated call for the job worker, which
// needs the raw status code and body to apply spec.md §4.2's response
// table (2xx/401/429/5xx/other 4xx/transport error).
func (c *Client) Do(ctx context.Context, seller *domain.Seller, method, path string, body any) (status int, respBody []byte, err error) {
	resp, respBody, err := c.do(ctx, seller, method, path, body)
	if err != nil {
		return 0, nil, err
	}
	return resp.StatusCode, respBody, nil
}
