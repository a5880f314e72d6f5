package octopus

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/octoflex/octoflex/pkg/common"
	"github.com/octoflex/octoflex/pkg/log"
	"github.com/octoflex/octoflex/pkg/types"
)

const defaultEndpoint = "https://api.oees-kraken.energy/v1/graphql/"

// Boost actions accepted by updateBoostCharge.
const (
	actionBoost  = "BOOST"
	actionCancel = "CANCEL"
)

const deviceTypeChargePoint = "SmartFlexChargePoint"

var daysOfWeek = []string{
	"MONDAY", "TUESDAY", "WEDNESDAY", "THURSDAY",
	"FRIDAY", "SATURDAY", "SUNDAY",
}

// Client implements the API interface against the Kraken GraphQL endpoint
// used by Octopus Energy Spain.
type Client struct {
	client   *http.Client
	endpoint string
	email    string
	password string
	account  string

	mu    sync.Mutex
	token string
}

// NewClient returns a client for the given credentials. An empty endpoint
// means the production endpoint.
func NewClient(endpoint, email, password, account string) *Client {
	if endpoint == "" {
		endpoint = defaultEndpoint
	}
	return &Client{
		client:   common.HTTPClient(time.Minute),
		endpoint: endpoint,
		email:    email,
		password: password,
		account:  account,
	}
}

// Validate ensures the configuration is valid.
func (c *Client) Validate() error {
	if _, err := url.Parse(c.endpoint); err != nil {
		return fmt.Errorf("failed to parse kraken endpoint (%s): %w", c.endpoint, err)
	}
	if c.email == "" {
		return errors.New("kraken-email is required")
	}
	if c.password == "" {
		return errors.New("kraken-password is required")
	}
	if c.account == "" {
		return errors.New("kraken-account is required")
	}
	return nil
}

// AccountNumber returns the account the client is bound to.
func (c *Client) AccountNumber() string {
	return c.account
}

const loginMutation = `
mutation obtainKrakenToken($input: ObtainJSONWebTokenInput!) {
  obtainKrakenToken(input: $input) {
    token
    refreshToken
    refreshExpiresIn
  }
}`

type loginResult struct {
	ObtainKrakenToken struct {
		Token string `json:"token"`
	} `json:"obtainKrakenToken"`
}

// Authenticate logs in and caches the token for subsequent calls.
func (c *Client) Authenticate(ctx context.Context) error {
	token, err := c.login(ctx)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
	return nil
}

func (c *Client) login(ctx context.Context) (string, error) {
	vars := map[string]interface{}{
		"input": map[string]interface{}{
			"email":    c.email,
			"password": c.password,
		},
	}
	var res loginResult
	if err := c.execute(ctx, loginMutation, vars, "", &res); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "kraken login failed", slog.Any("error", err))
		return "", fmt.Errorf("login failed: %w", err)
	}
	if res.ObtainKrakenToken.Token == "" {
		return "", errors.New("login returned empty token")
	}
	log.Ctx(ctx).DebugContext(ctx, "kraken login success", slog.String("email", c.email))
	return res.ObtainKrakenToken.Token, nil
}

type graphQLRequest struct {
	Query     string                 `json:"query"`
	Variables map[string]interface{} `json:"variables,omitempty"`
}

type graphQLError struct {
	Message    string `json:"message"`
	Extensions struct {
		ErrorCode string `json:"errorCode"`
	} `json:"extensions"`
}

type graphQLResponse struct {
	Data   json.RawMessage `json:"data"`
	Errors []graphQLError  `json:"errors"`
}

// expiredToken reports whether the errors indicate an expired or invalid
// token. KT-CT-1124 is the kraken code for an expired JWT.
func expiredToken(errs []graphQLError) bool {
	for _, e := range errs {
		if e.Extensions.ErrorCode == "KT-CT-1124" {
			return true
		}
		if strings.Contains(strings.ToLower(e.Message), "expired") {
			return true
		}
	}
	return false
}

// doQuery runs an authenticated query, logging in first if no token is
// cached and retrying once on an expired token.
func (c *Client) doQuery(ctx context.Context, query string, vars map[string]interface{}, dest interface{}) error {
	// we try up to 2 times because we might have an expired token
	for i := 0; i < 2; i++ {
		c.mu.Lock()
		token := c.token
		c.mu.Unlock()
		if token == "" {
			if err := c.Authenticate(ctx); err != nil {
				return err
			}
			c.mu.Lock()
			token = c.token
			c.mu.Unlock()
		}

		err := c.execute(ctx, query, vars, token, dest)
		var ge *graphQLErrors
		if errors.As(err, &ge) && expiredToken(ge.errs) && i == 0 {
			log.Ctx(ctx).DebugContext(ctx, "kraken token expired")
			c.mu.Lock()
			c.token = ""
			c.mu.Unlock()
			continue
		}
		return err
	}
	return nil
}

// graphQLErrors carries the structured errors so doQuery can distinguish an
// expired token from a real failure.
type graphQLErrors struct {
	errs []graphQLError
}

func (e *graphQLErrors) Error() string {
	msgs := make([]string, len(e.errs))
	for i, err := range e.errs {
		msgs[i] = err.Message
	}
	return "kraken api error: " + strings.Join(msgs, "; ")
}

func (c *Client) execute(ctx context.Context, query string, vars map[string]interface{}, token string, dest interface{}) error {
	body, err := json.Marshal(graphQLRequest{Query: query, Variables: vars})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, "POST", c.endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s", types.ErrUpstreamUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: status %d", types.ErrUpstreamUnavailable, resp.StatusCode)
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: %s", types.ErrUpstreamUnavailable, err)
	}

	var gr graphQLResponse
	if err := json.Unmarshal(raw, &gr); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to decode kraken response", slog.Any("error", err), slog.String("body", string(raw)))
		return fmt.Errorf("%w: %s", types.ErrUpstreamUnavailable, err)
	}
	if len(gr.Errors) > 0 {
		return &graphQLErrors{errs: gr.Errors}
	}

	if dest != nil {
		if err := json.Unmarshal(gr.Data, dest); err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "failed to decode kraken result", slog.Any("error", err))
			return fmt.Errorf("failed to decode kraken result: %w", err)
		}
	}
	return nil
}

const ledgersQuery = `
query GetLedgers($accountNumber: String!) {
  account(accountNumber: $accountNumber) {
    number
    ledgers {
      number
      ledgerType
      balance
      acceptsPayments
    }
  }
}`

type ledgersResult struct {
	Account struct {
		Number  string `json:"number"`
		Ledgers []struct {
			Number          string `json:"number"`
			LedgerType      string `json:"ledgerType"`
			Balance         int64  `json:"balance"`
			AcceptsPayments bool   `json:"acceptsPayments"`
		} `json:"ledgers"`
	} `json:"account"`
}

// Ledgers returns the account's ledger balances. Balances come back in
// cents and are converted to euros here.
func (c *Client) Ledgers(ctx context.Context) ([]types.Ledger, error) {
	var res ledgersResult
	vars := map[string]interface{}{"accountNumber": c.account}
	if err := c.doQuery(ctx, ledgersQuery, vars, &res); err != nil {
		return nil, fmt.Errorf("GetLedgers failed: %w", err)
	}

	out := make([]types.Ledger, 0, len(res.Account.Ledgers))
	for _, l := range res.Account.Ledgers {
		out = append(out, types.Ledger{
			Number:          l.Number,
			LedgerType:      l.LedgerType,
			BalanceEuros:    float64(l.Balance) / 100,
			AcceptsPayments: l.AcceptsPayments,
		})
	}
	return out, nil
}

const devicesQuery = `
query GetSmartFlexDevices($accountNumber: String!) {
  devices(accountNumber: $accountNumber) {
    __typename
    id
    name
    deviceType
    provider
    status {
      current
      currentState
      isSuspended
    }
    preferences {
      mode
      targetType
      unit
      schedules {
        dayOfWeek
        time
        min
        max
      }
    }
  }
}`

type devicesResult struct {
	Devices []struct {
		ID         string `json:"id"`
		Name       string `json:"name"`
		DeviceType string `json:"deviceType"`
		Provider   string `json:"provider"`
		Status     struct {
			CurrentState string `json:"currentState"`
			IsSuspended  bool   `json:"isSuspended"`
		} `json:"status"`
		Preferences *struct {
			Mode       string `json:"mode"`
			Unit       string `json:"unit"`
			TargetType string `json:"targetType"`
			Schedules  []struct {
				DayOfWeek string   `json:"dayOfWeek"`
				Time      string   `json:"time"`
				Min       *float64 `json:"min"`
				Max       *float64 `json:"max"`
			} `json:"schedules"`
		} `json:"preferences"`
	} `json:"devices"`
}

// Charger returns the account's charge point, or nil when the account has
// none.
func (c *Client) Charger(ctx context.Context) (*types.ChargerSnapshot, error) {
	var res devicesResult
	vars := map[string]interface{}{"accountNumber": c.account}
	if err := c.doQuery(ctx, devicesQuery, vars, &res); err != nil {
		return nil, fmt.Errorf("GetSmartFlexDevices failed: %w", err)
	}

	for _, d := range res.Devices {
		if d.DeviceType != deviceTypeChargePoint {
			continue
		}
		snap := &types.ChargerSnapshot{
			DeviceID:      d.ID,
			Name:          d.Name,
			Provider:      d.Provider,
			UpstreamState: d.Status.CurrentState,
			Suspended:     d.Status.IsSuspended,
		}
		if d.Preferences != nil {
			prefs := &types.Preferences{
				Mode:          d.Preferences.Mode,
				Unit:          d.Preferences.Unit,
				TargetType:    d.Preferences.TargetType,
				MaxPercentage: types.DefaultMaxPercentage,
				TargetTime:    types.DefaultTargetTime,
			}
			for _, s := range d.Preferences.Schedules {
				entry := types.PreferenceSchedule{
					DayOfWeek: s.DayOfWeek,
					Time:      s.Time,
				}
				if s.Min != nil {
					v := int(*s.Min)
					entry.Min = &v
				}
				if s.Max != nil {
					v := int(*s.Max)
					entry.Max = &v
				}
				prefs.Schedules = append(prefs.Schedules, entry)
			}
			// the weekly schedule repeats one time/max pair per day, so
			// the first entry is the effective target
			if len(prefs.Schedules) > 0 {
				first := prefs.Schedules[0]
				if first.Max != nil {
					prefs.MaxPercentage = *first.Max
				}
				if first.Time != "" {
					prefs.TargetTime = clockMinute(first.Time)
				}
			}
			snap.Preferences = prefs
		}
		return snap, nil
	}
	return nil, nil
}

// clockMinute trims seconds off an HH:MM:SS time string.
func clockMinute(t string) string {
	if len(t) > 5 {
		return t[:5]
	}
	return t
}

const dispatchesQuery = `
query FlexPlannedDispatches($deviceId: String!) {
  flexPlannedDispatches(deviceId: $deviceId) {
    start
    end
    type
  }
}`

type dispatchesResult struct {
	FlexPlannedDispatches []types.RawDispatch `json:"flexPlannedDispatches"`
}

// PlannedDispatches returns the device's raw planned dispatches with
// timestamps verbatim. Validation happens in the dispatch planner.
func (c *Client) PlannedDispatches(ctx context.Context, deviceID string) ([]types.RawDispatch, error) {
	var res dispatchesResult
	vars := map[string]interface{}{"deviceId": deviceID}
	if err := c.doQuery(ctx, dispatchesQuery, vars, &res); err != nil {
		return nil, fmt.Errorf("FlexPlannedDispatches failed: %w", err)
	}
	return res.FlexPlannedDispatches, nil
}

const chargeHistoryQuery = `
query GetSmartFlexChargeHistory($accountNumber: String!, $deviceId: String, $sessionTypes: [ChargingSessionType], $last: Int, $after: DateTime!) {
  devices(deviceId: $deviceId, accountNumber: $accountNumber) {
    __typename
    id
    ... on SmartFlexChargePoint {
      chargePointChargingSession: chargingSessions(sessionTypes: $sessionTypes, last: $last, after: $after) {
        edges {
          node {
            __typename
            start
            end
            stateOfChargeFinal
            energyAdded {
              value
              unit
            }
            cost {
              amount
              currency
            }
            ... on SmartFlexChargingSession {
              type
              problems {
                __typename
                ... on SmartFlexChargingError {
                  cause
                }
                ... on SmartFlexChargingTruncation {
                  truncationCause
                }
              }
            }
          }
        }
      }
    }
  }
}`

type sessionNode struct {
	Start       string `json:"start"`
	End         string `json:"end"`
	Type        string `json:"type"`
	EnergyAdded struct {
		Value float64 `json:"value"`
		Unit  string  `json:"unit"`
	} `json:"energyAdded"`
	Cost *struct {
		Amount   int64  `json:"amount"`
		Currency string `json:"currency"`
	} `json:"cost"`
	StateOfChargeFinal *float64 `json:"stateOfChargeFinal"`
	Problems           []struct {
		Typename        string `json:"__typename"`
		Cause           string `json:"cause"`
		TruncationCause string `json:"truncationCause"`
	} `json:"problems"`
}

type chargeHistoryResult struct {
	Devices []struct {
		ID                         string `json:"id"`
		ChargePointChargingSession *struct {
			Edges []struct {
				Node sessionNode `json:"node"`
			} `json:"edges"`
		} `json:"chargePointChargingSession"`
	} `json:"devices"`
}

// ChargeHistory returns up to last completed sessions for the device.
// Sessions with unparseable timestamps are dropped with a warning since
// everything downstream needs a real span.
func (c *Client) ChargeHistory(ctx context.Context, deviceID string, last int) ([]types.UpstreamSession, error) {
	vars := map[string]interface{}{
		"accountNumber": c.account,
		"deviceId":      deviceID,
		"sessionTypes":  []string{"SMART", "BOOST"},
		"last":          last,
		// kraken requires a lower bound; a year covers the retained history
		"after": time.Now().AddDate(-1, 0, 0).UTC().Format(time.RFC3339),
	}
	var res chargeHistoryResult
	if err := c.doQuery(ctx, chargeHistoryQuery, vars, &res); err != nil {
		return nil, fmt.Errorf("GetSmartFlexChargeHistory failed: %w", err)
	}

	var out []types.UpstreamSession
	for _, d := range res.Devices {
		if d.ChargePointChargingSession == nil {
			continue
		}
		for _, e := range d.ChargePointChargingSession.Edges {
			sess, err := e.Node.toSession()
			if err != nil {
				log.Ctx(ctx).WarnContext(ctx, "dropping malformed charging session", slog.Any("error", err))
				continue
			}
			out = append(out, sess)
		}
	}
	return out, nil
}

func (n sessionNode) toSession() (types.UpstreamSession, error) {
	start, err := time.Parse(time.RFC3339, n.Start)
	if err != nil {
		return types.UpstreamSession{}, fmt.Errorf("bad session start %q: %w", n.Start, err)
	}
	end, err := time.Parse(time.RFC3339, n.End)
	if err != nil {
		return types.UpstreamSession{}, fmt.Errorf("bad session end %q: %w", n.End, err)
	}

	sess := types.UpstreamSession{
		TSStart:        start,
		TSEnd:          end,
		Type:           n.Type,
		EnergyAddedKWH: n.EnergyAdded.Value,
		SOCFinal:       n.StateOfChargeFinal,
	}
	if n.Cost != nil {
		euros := float64(n.Cost.Amount) / 100
		sess.CostEuros = &euros
	}
	for _, p := range n.Problems {
		sess.Problems = append(sess.Problems, types.SessionProblem{
			Kind:            p.Typename,
			Cause:           p.Cause,
			TruncationCause: p.TruncationCause,
		})
	}
	return sess, nil
}

const boostMutation = `
mutation FlexUpdateBoostCharge($input: UpdateBoostChargeInput!) {
  updateBoostCharge(input: $input) {
    id
    provider
    deviceType
  }
}`

func (c *Client) updateBoostCharge(ctx context.Context, deviceID, action string) error {
	vars := map[string]interface{}{
		"input": map[string]interface{}{
			"deviceId": deviceID,
			"action":   action,
		},
	}
	if err := c.doQuery(ctx, boostMutation, vars, nil); err != nil {
		return fmt.Errorf("FlexUpdateBoostCharge(%s) failed: %w", action, err)
	}
	log.Ctx(ctx).InfoContext(ctx, "updated boost charge",
		slog.String("deviceID", deviceID),
		slog.String("action", action),
	)
	return nil
}

// StartBoost requests an immediate boost charge.
func (c *Client) StartBoost(ctx context.Context, deviceID string) error {
	return c.updateBoostCharge(ctx, deviceID, actionBoost)
}

// StopBoost cancels an active boost charge.
func (c *Client) StopBoost(ctx context.Context, deviceID string) error {
	return c.updateBoostCharge(ctx, deviceID, actionCancel)
}

const setPreferencesMutation = `
mutation SetDevicePreferences($input: SmartFlexDevicePreferencesInput!) {
  setDevicePreferences(input: $input) {
    id
    mode
  }
}`

// SetPreferences replaces the device's weekly charging preferences. The
// upstream model repeats one time/max pair for every day of the week.
func (c *Client) SetPreferences(ctx context.Context, deviceID string, prefs types.Preferences) error {
	mode := prefs.Mode
	if mode == "" {
		mode = "CHARGE"
	}
	unit := prefs.Unit
	if unit == "" {
		unit = "PERCENTAGE"
	}

	schedules := make([]map[string]interface{}, 0, len(daysOfWeek))
	for _, day := range daysOfWeek {
		schedules = append(schedules, map[string]interface{}{
			"dayOfWeek": day,
			"time":      prefs.TargetTime,
			"max":       float64(prefs.MaxPercentage),
		})
	}

	vars := map[string]interface{}{
		"input": map[string]interface{}{
			"deviceId":  deviceID,
			"mode":      mode,
			"unit":      unit,
			"schedules": schedules,
		},
	}
	if err := c.doQuery(ctx, setPreferencesMutation, vars, nil); err != nil {
		return fmt.Errorf("SetDevicePreferences failed: %w", err)
	}
	log.Ctx(ctx).InfoContext(ctx, "updated device preferences",
		slog.String("deviceID", deviceID),
		slog.Int("maxPercentage", prefs.MaxPercentage),
		slog.String("targetTime", prefs.TargetTime),
	)
	return nil
}
