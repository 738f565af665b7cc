package broker

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"math"
	"net"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/tvasek/condorbot/internal/models"
)

// Outgoing message codes.
const (
	msgReqMktData         = "1"
	msgCancelMktData      = "2"
	msgPlaceOrder         = "3"
	msgCancelOrder        = "4"
	msgReqOpenOrders      = "5"
	msgReqContractData    = "9"
	msgReqHistoricalData  = "20"
	msgReqScannerSub      = "22"
	msgCancelScannerSub   = "23"
	msgReqFundamentalData = "52"
	msgReqMarketDataType  = "59"
	msgReqAccountSummary  = "62"
	msgReqPortfolio       = "6"
	msgStartAPI           = "71"
	msgReqSecDefOptParams = "78"
)

// Incoming message codes.
const (
	inTickPrice          = "1"
	inTickSize           = "2"
	inOrderStatus        = "3"
	inErrMsg             = "4"
	inOpenOrder          = "5"
	inAcctValue          = "6"
	inPortfolioValue     = "7"
	inNextValidID        = "9"
	inContractData       = "10"
	inContractDataEnd    = "52"
	inHistoricalData     = "17"
	inScannerData        = "20"
	inTickOptionComp     = "21"
	inFundamentalData    = "51"
	inTickSnapshotEnd    = "57"
	inMarketDataType     = "58"
	inAccountSummary     = "63"
	inAccountSummaryEnd  = "64"
	inOpenOrderEnd       = "53"
	inAcctDownloadEnd    = "54"
	inSecDefOptParams    = "75"
	inSecDefOptParamsEnd = "76"
)

// Broker-side error codes that signal pacing rather than failure.
const (
	codePacingViolation   = 162
	codeMaxTickersReached = 101
)

const (
	connectAttempts    = 3
	defaultTimeout     = 5 * time.Second
	fundamentalsLimit  = 30
	fundamentalsWindow = 60 * time.Second
)

// IBKRClient speaks the TWS API wire protocol over a local TCP socket.
//
// One reader goroutine owns the socket's read side and routes decoded frames
// to per-request channels keyed by request/order id. Request methods frame
// and write under a write mutex, then block on their channel or the context.
type IBKRClient struct {
	host         string
	port         int
	clientID     int
	allowDelayed bool
	log          zerolog.Logger

	mu        sync.Mutex // guards conn, writer, connected
	conn      net.Conn
	writer    *bufio.Writer
	connected bool

	nextReqID   atomic.Int64
	nextOrderID atomic.Int64

	routesMu sync.Mutex
	routes   map[int64]chan []string

	ordersMu    sync.Mutex
	orderStates map[int64]OrderStatus

	pacer *pacer

	// readerDone closes when the reader loop exits, failing outstanding requests.
	readerDone chan struct{}
}

// Ensure IBKRClient implements Broker at compile time.
var _ Broker = (*IBKRClient)(nil)

// NewIBKRClient creates a disconnected client.
func NewIBKRClient(host string, port, clientID int, allowDelayed bool, log zerolog.Logger) *IBKRClient {
	c := &IBKRClient{
		host:         host,
		port:         port,
		clientID:     clientID,
		allowDelayed: allowDelayed,
		log:          log.With().Str("component", "broker").Logger(),
		routes:       make(map[int64]chan []string),
		orderStates:  make(map[int64]OrderStatus),
		pacer:        newPacer(fundamentalsLimit, fundamentalsWindow),
	}
	c.nextReqID.Store(1000)
	return c
}

// Connect dials TWS/Gateway with exponential backoff (up to 3 attempts),
// performs the version handshake, starts the API, and requests real-time
// market data (type 1) for the fresh session.
func (c *IBKRClient) Connect(ctx context.Context) error {
	var lastErr error
	backoff := time.Second
	for attempt := 1; attempt <= connectAttempts; attempt++ {
		if err := c.connectOnce(ctx); err != nil {
			lastErr = err
			c.log.Warn().Err(err).Int("attempt", attempt).Msg("broker connect failed")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
			continue
		}
		return nil
	}
	return fmt.Errorf("%w: %v", ErrBrokerUnreachable, lastErr)
}

func (c *IBKRClient) connectOnce(ctx context.Context) error {
	dialer := net.Dialer{Timeout: defaultTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", fmt.Sprintf("%s:%d", c.host, c.port))
	if err != nil {
		return fmt.Errorf("dialing gateway: %w", err)
	}

	w := bufio.NewWriter(conn)
	r := bufio.NewReader(conn)

	// Handshake: magic prefix, then the supported version range as one frame.
	if _, err := w.WriteString("API\x00"); err != nil {
		_ = conn.Close()
		return fmt.Errorf("writing handshake prefix: %w", err)
	}
	if err := writeFrame(w, "v100..187"); err != nil {
		_ = conn.Close()
		return fmt.Errorf("writing version range: %w", err)
	}
	if err := w.Flush(); err != nil {
		_ = conn.Close()
		return fmt.Errorf("flushing handshake: %w", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(defaultTimeout))
	ack, err := readFrame(r)
	if err != nil || len(ack) < 2 {
		_ = conn.Close()
		return fmt.Errorf("reading handshake ack: %w", err)
	}
	_ = conn.SetReadDeadline(time.Time{})
	c.log.Info().Str("server_version", ack[0]).Str("server_time", ack[1]).Msg("gateway handshake complete")

	// startApi: code, version, clientId, optional capabilities.
	if err := writeFrame(w, msgStartAPI, "2", fmt.Sprint(c.clientID), ""); err != nil {
		_ = conn.Close()
		return fmt.Errorf("starting API: %w", err)
	}
	if err := w.Flush(); err != nil {
		_ = conn.Close()
		return fmt.Errorf("flushing startApi: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.writer = w
	c.connected = true
	c.readerDone = make(chan struct{})
	c.mu.Unlock()

	go c.readLoop(r)

	// Every fresh session pins the market data type to real-time.
	if err := c.send(msgReqMarketDataType, "1", "1"); err != nil {
		return fmt.Errorf("requesting market data type: %w", err)
	}
	return nil
}

// Disconnect closes the session.
func (c *IBKRClient) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return nil
	}
	c.connected = false
	return c.conn.Close()
}

// EnsureConnected reconnects if the session has dropped.
func (c *IBKRClient) EnsureConnected(ctx context.Context) error {
	c.mu.Lock()
	ok := c.connected
	c.mu.Unlock()
	if ok {
		return nil
	}
	return c.Connect(ctx)
}

// send frames and writes one message under the write lock.
func (c *IBKRClient) send(fields ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return ErrNotConnected
	}
	if err := writeFrame(c.writer, fields...); err != nil {
		return err
	}
	return c.writer.Flush()
}

// readLoop owns the socket's read side, routing frames by request id.
func (c *IBKRClient) readLoop(r *bufio.Reader) {
	defer func() {
		c.mu.Lock()
		c.connected = false
		done := c.readerDone
		c.mu.Unlock()
		close(done)
		c.failAllRoutes()
	}()
	for {
		fields, err := readFrame(r)
		if err != nil {
			c.log.Warn().Err(err).Msg("gateway read loop terminated")
			return
		}
		c.dispatch(fields)
	}
}

// dispatch routes one inbound frame. Frames carrying a request id are
// forwarded to the waiting request; order status is cached; the rest is logged.
func (c *IBKRClient) dispatch(fields []string) {
	if len(fields) == 0 {
		return
	}
	switch fields[0] {
	case inOrderStatus:
		c.handleOrderStatus(fields)
	case inNextValidID:
		f := newFieldReader(fields[1:])
		_ = f.int() // version
		c.nextOrderID.Store(int64(f.int()))
	case inErrMsg:
		c.handleError(fields)
	case inTickPrice, inTickSize, inTickOptionComp, inTickSnapshotEnd, inMarketDataType,
		inAccountSummary, inAccountSummaryEnd, inContractData, inContractDataEnd,
		inHistoricalData, inScannerData, inFundamentalData, inPortfolioValue,
		inAcctValue, inAcctDownloadEnd, inOpenOrder, inOpenOrderEnd,
		inSecDefOptParams, inSecDefOptParamsEnd:
		c.routeByReqID(fields)
	default:
		// Unhandled message types are benign; the API is chatty.
	}
}

// reqIDPosition maps a message code to the field index of its request id.
func reqIDPosition(code string) int {
	switch code {
	case inTickPrice, inTickSize, inTickOptionComp, inTickSnapshotEnd, inMarketDataType,
		inContractData, inAccountSummary, inScannerData, inFundamentalData:
		return 2 // code, version, reqId
	case inHistoricalData, inContractDataEnd, inAccountSummaryEnd:
		return 2
	case inSecDefOptParams, inSecDefOptParamsEnd:
		return 1 // no version field: code, reqId, ...
	case inPortfolioValue, inAcctValue, inAcctDownloadEnd, inOpenOrder, inOpenOrderEnd:
		return -1 // account-scoped, routed to the singleton subscriber
	default:
		return -1
	}
}

// accountRouteID is the pseudo request id for account-scoped streams.
const accountRouteID int64 = -7

func (c *IBKRClient) routeByReqID(fields []string) {
	pos := reqIDPosition(fields[0])
	var id int64
	if pos < 0 {
		id = accountRouteID
	} else {
		if pos >= len(fields) {
			return
		}
		f := newFieldReader(fields[pos : pos+1])
		id = f.int64()
		if f.Error() != nil {
			return
		}
	}
	c.routesMu.Lock()
	ch := c.routes[id]
	c.routesMu.Unlock()
	if ch != nil {
		select {
		case ch <- fields:
		default:
			// Slow consumer; drop rather than stall the read loop.
		}
	}
}

func (c *IBKRClient) handleOrderStatus(fields []string) {
	f := newFieldReader(fields[1:])
	orderID := f.int64()
	status := f.str()
	filled := int(f.float())
	remaining := int(f.float())
	avgPrice := f.float()
	if f.Error() != nil {
		c.log.Warn().Err(f.Error()).Msg("malformed order status frame")
		return
	}
	st := OrderStatus{
		OrderID:      orderID,
		State:        mapOrderState(status),
		Filled:       filled,
		Remaining:    remaining,
		AvgFillPrice: avgPrice,
	}
	c.ordersMu.Lock()
	c.orderStates[orderID] = st
	c.ordersMu.Unlock()
}

func mapOrderState(s string) models.OrderState {
	switch strings.ToLower(s) {
	case "filled":
		return models.OrderFilled
	case "cancelled", "canceled", "apicancelled":
		return models.OrderCancelled
	case "inactive":
		return models.OrderInactive
	case "presubmitted", "pendingsubmit", "submitted":
		return models.OrderSubmitted
	default:
		return models.OrderSubmitted
	}
}

func (c *IBKRClient) handleError(fields []string) {
	f := newFieldReader(fields[1:])
	_ = f.int() // version
	reqID := f.int64()
	code := f.int()
	text := f.str()
	if f.Error() != nil {
		return
	}
	c.log.Debug().Int64("req_id", reqID).Int("code", code).Str("text", text).Msg("gateway message")

	// Pacing and hard errors are delivered to the waiting request so it can
	// decide between retry and surface.
	if reqID > 0 {
		c.routesMu.Lock()
		ch := c.routes[reqID]
		c.routesMu.Unlock()
		if ch != nil {
			select {
			case ch <- fields:
			default:
			}
		}
	}
}

// subscribe registers a route for a request id and returns its channel plus a
// cleanup func.
func (c *IBKRClient) subscribe(id int64) (chan []string, func()) {
	ch := make(chan []string, 64)
	c.routesMu.Lock()
	c.routes[id] = ch
	c.routesMu.Unlock()
	return ch, func() {
		c.routesMu.Lock()
		delete(c.routes, id)
		c.routesMu.Unlock()
	}
}

func (c *IBKRClient) failAllRoutes() {
	c.routesMu.Lock()
	defer c.routesMu.Unlock()
	for id, ch := range c.routes {
		close(ch)
		delete(c.routes, id)
	}
}

func (c *IBKRClient) reqID() int64 { return c.nextReqID.Add(1) }

// --- contract & market data ---

// Qualify resolves the contract's conId via contract details.
func (c *IBKRClient) Qualify(ctx context.Context, contract Contract) (Contract, error) {
	id := c.reqID()
	ch, cleanup := c.subscribe(id)
	defer cleanup()

	err := c.send(msgReqContractData, "8", fmt.Sprint(id),
		fmt.Sprint(contract.ConID), contract.Symbol, contract.SecType,
		formatWireDate(contract.Expiration), formatFloat(contract.Strike), string(contract.Right),
		"", exchangeOrSmart(contract.Exchange), "", currencyOrUSD(contract.Currency),
		"", "", "0", "", "")
	if err != nil {
		return contract, err
	}

	for {
		fields, err := c.await(ctx, ch)
		if err != nil {
			return contract, err
		}
		switch fields[0] {
		case inContractData:
			q, err := decodeContractData(fields, contract)
			if err != nil {
				return contract, err
			}
			contract = q
		case inContractDataEnd:
			if contract.ConID == 0 {
				return contract, fmt.Errorf("contract %s could not be qualified", contract.Symbol)
			}
			return contract, nil
		case inErrMsg:
			return contract, wireError(fields)
		}
	}
}

func decodeContractData(fields []string, base Contract) (Contract, error) {
	// code, version, reqId, symbol, secType, expiry, strike, right, exchange,
	// currency, localSymbol, marketName, tradingClass, conId, ...
	f := newFieldReader(fields[3:])
	base.Symbol = f.str()
	base.SecType = f.str()
	if exp := f.str(); exp != "" {
		if t, err := time.Parse("20060102", exp); err == nil {
			base.Expiration = t
		}
	}
	base.Strike = f.float()
	if r := f.str(); r != "" {
		base.Right = models.OptionRight(r)
	}
	base.Exchange = f.str()
	base.Currency = f.str()
	_ = f.str() // localSymbol
	_ = f.str() // marketName
	_ = f.str() // tradingClass
	base.ConID = f.int64()
	if err := f.Error(); err != nil {
		return base, fmt.Errorf("decoding contract data: %w", err)
	}
	return base, nil
}

// SnapshotOption requests a single snapshot for an option contract and
// composes the quote from tick messages. Delayed data is refused when the
// session disallows it.
func (c *IBKRClient) SnapshotOption(ctx context.Context, contract Contract) (models.OptionQuote, error) {
	quote := models.OptionQuote{
		ConID:      contract.ConID,
		Symbol:     contract.Symbol,
		Strike:     contract.Strike,
		Right:      contract.Right,
		Expiration: contract.Expiration,
		DataType:   models.DataRealTime,
	}
	err := c.snapshot(ctx, contract, func(fields []string) {
		applyOptionTick(&quote, fields)
	})
	if err != nil {
		return quote, err
	}
	if quote.DataType.Delayed() && !c.allowDelayed {
		return quote, fmt.Errorf("%w: %s %s %.2f%s", ErrDelayedData,
			contract.Symbol, contract.Expiration.Format("2006-01-02"), contract.Strike, contract.Right)
	}
	return quote, nil
}

// SnapshotStock requests a single snapshot for an underlying.
func (c *IBKRClient) SnapshotStock(ctx context.Context, symbol string) (models.StockQuote, error) {
	quote := models.StockQuote{Symbol: symbol, DataType: models.DataRealTime}
	contract := Contract{Symbol: symbol, SecType: "STK", Exchange: "SMART", Currency: "USD"}
	err := c.snapshot(ctx, contract, func(fields []string) {
		applyStockTick(&quote, fields)
	})
	if err != nil {
		return quote, err
	}
	if quote.DataType.Delayed() && !c.allowDelayed {
		return quote, fmt.Errorf("%w: %s", ErrDelayedData, symbol)
	}
	return quote, nil
}

func (c *IBKRClient) snapshot(ctx context.Context, contract Contract, apply func([]string)) error {
	id := c.reqID()
	ch, cleanup := c.subscribe(id)
	defer cleanup()

	err := c.send(msgReqMktData, "11", fmt.Sprint(id),
		fmt.Sprint(contract.ConID), contract.Symbol, contract.SecType,
		formatWireDate(contract.Expiration), formatFloat(contract.Strike), string(contract.Right),
		"", exchangeOrSmart(contract.Exchange), "", currencyOrUSD(contract.Currency),
		"", "0", "", "1" /* snapshot */, "0", "")
	if err != nil {
		return err
	}
	defer func() { _ = c.send(msgCancelMktData, "2", fmt.Sprint(id)) }()

	for {
		fields, err := c.await(ctx, ch)
		if err != nil {
			return err
		}
		switch fields[0] {
		case inTickSnapshotEnd:
			return nil
		case inErrMsg:
			return wireError(fields)
		default:
			apply(fields)
		}
	}
}

func applyOptionTick(q *models.OptionQuote, fields []string) {
	switch fields[0] {
	case inTickPrice:
		f := newFieldReader(fields[1:])
		_ = f.int() // version
		_ = f.int64()
		tickType := f.int()
		price := f.float()
		switch tickType {
		case 1, 66: // bid, delayed bid
			q.Bid = price
		case 2, 67:
			q.Ask = price
		case 4, 68:
			q.Last = price
		}
	case inTickSize:
		f := newFieldReader(fields[1:])
		_ = f.int()
		_ = f.int64()
		tickType := f.int()
		size := f.int64()
		switch tickType {
		case 8, 74: // volume
			q.Volume = size
		case 27: // option call open interest bucket collapses to OI here
			q.OpenInterest = size
		case 28:
			q.OpenInterest = size
		}
	case inTickOptionComp:
		f := newFieldReader(fields[1:])
		_ = f.int()
		_ = f.int64()
		_ = f.int() // tick type
		_ = f.int() // tick attrib
		iv := f.float()
		delta := f.float()
		_ = f.float() // opt price
		_ = f.float() // pv dividend
		gamma := f.float()
		vega := f.float()
		theta := f.float()
		if f.Error() == nil {
			// Sentinel value for "not computed" is a large negative number.
			if valid(iv) {
				q.ImpliedVol = iv
			}
			if valid(delta) {
				q.Delta = delta
			}
			if valid(gamma) {
				q.Gamma = gamma
			}
			if valid(vega) {
				q.Vega = vega
			}
			if valid(theta) {
				q.Theta = theta
			}
		}
	case inMarketDataType:
		f := newFieldReader(fields[1:])
		_ = f.int()
		_ = f.int64()
		q.DataType = mapDataType(f.int())
	}
}

func applyStockTick(q *models.StockQuote, fields []string) {
	switch fields[0] {
	case inTickPrice:
		f := newFieldReader(fields[1:])
		_ = f.int()
		_ = f.int64()
		tickType := f.int()
		price := f.float()
		switch tickType {
		case 1, 66:
			q.Bid = price
		case 2, 67:
			q.Ask = price
		case 4, 68:
			q.Last = price
		}
	case inTickSize:
		f := newFieldReader(fields[1:])
		_ = f.int()
		_ = f.int64()
		if f.int() == 8 {
			q.Volume = f.int64()
		}
	case inMarketDataType:
		f := newFieldReader(fields[1:])
		_ = f.int()
		_ = f.int64()
		q.DataType = mapDataType(f.int())
	}
}

func mapDataType(n int) models.DataType {
	switch n {
	case 1:
		return models.DataRealTime
	case 2:
		return models.DataFrozen
	case 3:
		return models.DataDelayed
	case 4:
		return models.DataDelayedFrozen
	default:
		return models.DataRealTime
	}
}

func valid(v float64) bool { return !math.IsNaN(v) && v > -1e6 && v < 1e6 }

// chainParams is the option grid secDefOptParams reports for a symbol: the
// listed expirations and the strike ladder, merged across exchanges.
type chainParams struct {
	expirations []time.Time
	strikes     []float64
}

// Expirations lists the option expirations available for a symbol.
func (c *IBKRClient) Expirations(ctx context.Context, symbol string) ([]time.Time, error) {
	params, err := c.secDefOptParams(ctx, symbol)
	if err != nil {
		return nil, err
	}
	return params.expirations, nil
}

// secDefOptParams fetches the expiration/strike grid for a symbol. The
// gateway streams one frame per exchange until the end marker; the per-
// exchange grids are merged, de-duplicated, and sorted.
func (c *IBKRClient) secDefOptParams(ctx context.Context, symbol string) (chainParams, error) {
	var params chainParams
	stock, err := c.Qualify(ctx, Contract{Symbol: symbol, SecType: "STK", Exchange: "SMART", Currency: "USD"})
	if err != nil {
		return params, err
	}
	id := c.reqID()
	ch, cleanup := c.subscribe(id)
	defer cleanup()

	if err := c.send(msgReqSecDefOptParams, fmt.Sprint(id), symbol, "", "STK", fmt.Sprint(stock.ConID)); err != nil {
		return params, err
	}

	expSet := make(map[time.Time]struct{})
	strikeSet := make(map[float64]struct{})
collect:
	for {
		fields, err := c.await(ctx, ch)
		if err != nil {
			return params, err
		}
		switch fields[0] {
		case inSecDefOptParams:
			exps, strikes, err := decodeSecDefOptParams(fields)
			if err != nil {
				return params, err
			}
			for _, e := range exps {
				expSet[e] = struct{}{}
			}
			for _, s := range strikes {
				strikeSet[s] = struct{}{}
			}
		case inSecDefOptParamsEnd:
			break collect
		case inErrMsg:
			return params, wireError(fields)
		}
	}
	for e := range expSet {
		params.expirations = append(params.expirations, e)
	}
	for s := range strikeSet {
		params.strikes = append(params.strikes, s)
	}
	sort.Slice(params.expirations, func(i, j int) bool { return params.expirations[i].Before(params.expirations[j]) })
	sort.Float64s(params.strikes)
	return params, nil
}

func decodeSecDefOptParams(fields []string) ([]time.Time, []float64, error) {
	// code, reqId, exchange, underlyingConId, tradingClass, multiplier,
	// expirationCount, expirations..., strikeCount, strikes...
	f := newFieldReader(fields[1:])
	_ = f.int64() // reqId
	_ = f.str()   // exchange
	_ = f.int64() // underlying conId
	_ = f.str()   // trading class
	_ = f.str()   // multiplier
	expCount := f.int()
	exps := make([]time.Time, 0, expCount)
	for i := 0; i < expCount; i++ {
		raw := f.str()
		t, err := time.Parse("20060102", raw)
		if err != nil {
			return nil, nil, fmt.Errorf("parsing expiration %q: %w", raw, err)
		}
		exps = append(exps, t)
	}
	strikeCount := f.int()
	strikes := make([]float64, 0, strikeCount)
	for i := 0; i < strikeCount; i++ {
		strikes = append(strikes, f.float())
	}
	if err := f.Error(); err != nil {
		return nil, nil, fmt.Errorf("decoding option params: %w", err)
	}
	return exps, strikes, nil
}

// OptionChain snapshots the full strike ladder for the given expirations.
// Every contract is qualified first so its quote carries a conId; strikes
// that do not trade for an expiration fail qualification and are skipped.
// The caller filters by DTE and delta; the adapter only enforces the
// data-type policy.
func (c *IBKRClient) OptionChain(ctx context.Context, symbol string, expirations []time.Time) ([]models.OptionQuote, error) {
	params, err := c.secDefOptParams(ctx, symbol)
	if err != nil {
		return nil, err
	}
	var chain []models.OptionQuote
	for _, exp := range expirations {
		for _, strike := range params.strikes {
			for _, right := range []models.OptionRight{models.RightCall, models.RightPut} {
				if ctx.Err() != nil {
					return chain, ctx.Err()
				}
				contract := Contract{
					Symbol: symbol, SecType: "OPT", Expiration: exp, Strike: strike,
					Right: right, Exchange: "SMART", Currency: "USD",
				}
				qualified, err := c.Qualify(ctx, contract)
				if err != nil {
					continue
				}
				q, err := c.SnapshotOption(ctx, qualified)
				if err != nil {
					if errors.Is(err, ErrDelayedData) {
						return nil, err
					}
					c.log.Debug().Err(err).Str("symbol", symbol).Float64("strike", strike).
						Msg("chain snapshot failed, skipping strike")
					continue
				}
				chain = append(chain, q)
			}
		}
	}
	return chain, nil
}

// --- account & portfolio ---

// AccountSummary requests the sizing-relevant account tags.
func (c *IBKRClient) AccountSummary(ctx context.Context) (models.AccountSummary, error) {
	var summary models.AccountSummary
	id := c.reqID()
	ch, cleanup := c.subscribe(id)
	defer cleanup()

	tags := "NetLiquidation,AvailableFunds,BuyingPower,TotalCashValue,GrossPositionValue"
	if err := c.send(msgReqAccountSummary, "1", fmt.Sprint(id), "All", tags); err != nil {
		return summary, err
	}

	for {
		fields, err := c.await(ctx, ch)
		if err != nil {
			return summary, err
		}
		switch fields[0] {
		case inAccountSummary:
			f := newFieldReader(fields[1:])
			_ = f.int()
			_ = f.int64()
			_ = f.str() // account
			tag := f.str()
			value := f.float()
			if f.Error() != nil {
				continue
			}
			switch tag {
			case "NetLiquidation":
				summary.NetLiquidation = value
			case "AvailableFunds":
				summary.AvailableFunds = value
			case "BuyingPower":
				summary.BuyingPower = value
			case "TotalCashValue":
				summary.TotalCash = value
			case "GrossPositionValue":
				summary.GrossPositionValue = value
			}
		case inAccountSummaryEnd:
			return summary, nil
		case inErrMsg:
			return summary, wireError(fields)
		}
	}
}

// Portfolio subscribes to account updates once and drains the portfolio rows.
func (c *IBKRClient) Portfolio(ctx context.Context) ([]models.PortfolioItem, error) {
	ch, cleanup := c.subscribe(accountRouteID)
	defer cleanup()

	if err := c.send(msgReqPortfolio, "2", "1", ""); err != nil {
		return nil, err
	}
	defer func() { _ = c.send(msgReqPortfolio, "2", "0", "") }()

	var items []models.PortfolioItem
	for {
		fields, err := c.await(ctx, ch)
		if err != nil {
			return items, err
		}
		switch fields[0] {
		case inPortfolioValue:
			item, err := decodePortfolioValue(fields)
			if err != nil {
				c.log.Debug().Err(err).Msg("skipping malformed portfolio row")
				continue
			}
			if item.Right.Valid() { // only option legs are tracked
				items = append(items, item)
			}
		case inAcctDownloadEnd:
			return items, nil
		case inErrMsg:
			return items, wireError(fields)
		}
	}
}

func decodePortfolioValue(fields []string) (models.PortfolioItem, error) {
	// code, version, conId, symbol, secType, expiry, strike, right, multiplier,
	// primaryExch, currency, localSymbol, tradingClass, position, marketPrice,
	// marketValue, averageCost, ...
	var item models.PortfolioItem
	f := newFieldReader(fields[1:])
	_ = f.int()
	item.ConID = f.int64()
	item.Underlying = f.str()
	secType := f.str()
	item.Expiration = f.date()
	item.Strike = f.float()
	item.Right = models.OptionRight(f.str())
	_ = f.str() // multiplier
	_ = f.str() // primary exchange
	_ = f.str() // currency
	item.Symbol = f.str()
	_ = f.str() // trading class
	item.Quantity = f.float()
	_ = f.float() // market price
	item.MarketValue = f.float()
	item.AvgCost = f.float()
	if err := f.Error(); err != nil {
		return item, fmt.Errorf("decoding portfolio value: %w", err)
	}
	if secType != "OPT" {
		item.Right = ""
	}
	return item, nil
}

// --- orders ---

// PlaceCombo submits a single BAG order whose legs execute atomically.
func (c *IBKRClient) PlaceCombo(ctx context.Context, symbol string, legs []ComboLeg, order ComboOrder) (TradeHandle, error) {
	if len(legs) < 2 {
		return TradeHandle{}, fmt.Errorf("a combo requires at least 2 legs (got %d)", len(legs))
	}
	orderID := c.nextOrderID.Add(1)

	fields := []string{
		msgPlaceOrder, fmt.Sprint(orderID),
		"0", symbol, "BAG", "", "0", "", "", "SMART", "", "USD", "", "",
		// combo legs
		fmt.Sprint(len(legs)),
	}
	for _, leg := range legs {
		openClose := "0"
		fields = append(fields,
			fmt.Sprint(leg.ConID), fmt.Sprint(leg.Ratio), string(leg.Action), "SMART",
			openClose, "0", "", "-1")
	}
	orderType := "LMT"
	limit := formatFloat(order.LimitPrice)
	if order.Market {
		orderType = "MKT"
		limit = ""
	}
	tif := order.TIF
	if tif == "" {
		tif = "DAY"
	}
	fields = append(fields,
		string(order.Action), fmt.Sprint(order.Quantity), orderType, limit, "", tif,
		"", "", "0", "", "1" /* transmit */)

	if err := c.send(fields...); err != nil {
		return TradeHandle{}, err
	}
	c.log.Info().Int64("order_id", orderID).Str("symbol", symbol).
		Int("legs", len(legs)).Str("type", orderType).Msg("combo order placed")
	return TradeHandle{OrderID: orderID, SubmittedAt: time.Now().UTC()}, nil
}

// CancelOrder cancels a live order.
func (c *IBKRClient) CancelOrder(ctx context.Context, orderID int64) error {
	return c.send(msgCancelOrder, "1", fmt.Sprint(orderID))
}

// OrderStatus returns the latest broker-reported state for an order.
func (c *IBKRClient) OrderStatus(ctx context.Context, orderID int64) (OrderStatus, error) {
	c.ordersMu.Lock()
	st, ok := c.orderStates[orderID]
	c.ordersMu.Unlock()
	if !ok {
		return OrderStatus{OrderID: orderID, State: models.OrderSubmitted}, nil
	}
	return st, nil
}

// OpenOrders lists live orders at the broker.
func (c *IBKRClient) OpenOrders(ctx context.Context) ([]OpenOrder, error) {
	ch, cleanup := c.subscribe(accountRouteID)
	defer cleanup()

	if err := c.send(msgReqOpenOrders, "1"); err != nil {
		return nil, err
	}

	var orders []OpenOrder
	for {
		fields, err := c.await(ctx, ch)
		if err != nil {
			return orders, err
		}
		switch fields[0] {
		case inOpenOrder:
			f := newFieldReader(fields[1:])
			orderID := f.int64()
			_ = f.int64() // conId
			symbol := f.str()
			if f.Error() == nil {
				orders = append(orders, OpenOrder{OrderID: orderID, Symbol: symbol, Status: models.OrderSubmitted})
			}
		case inOpenOrderEnd:
			return orders, nil
		case inErrMsg:
			return orders, wireError(fields)
		}
	}
}

// --- historical, fundamentals, scanner, rates ---

// HistoricalBars fetches daily bars, e.g. duration "1 Y", barSize "1 day".
func (c *IBKRClient) HistoricalBars(ctx context.Context, symbol, duration, barSize string) ([]Bar, error) {
	fields, err := c.requestWithPacingRetry(ctx, func(id int64) error {
		return c.send(msgReqHistoricalData, fmt.Sprint(id),
			"0", symbol, "STK", "", "0", "", "", "SMART", "", "USD", "", "0",
			"", barSize, duration, "1", "TRADES", "1", "1", "0", "")
	})
	if err != nil {
		return nil, err
	}
	return decodeHistoricalData(fields)
}

func decodeHistoricalData(fields []string) ([]Bar, error) {
	// code, reqId, startDate, endDate, barCount, then per-bar:
	// date, open, high, low, close, volume, wap, count
	f := newFieldReader(fields[1:])
	_ = f.int64()
	_ = f.str()
	_ = f.str()
	count := f.int()
	bars := make([]Bar, 0, count)
	for i := 0; i < count; i++ {
		var b Bar
		raw := f.str()
		t, err := time.Parse("20060102", raw)
		if err != nil {
			return nil, fmt.Errorf("parsing bar date %q: %w", raw, err)
		}
		b.Date = t
		b.Open = f.float()
		b.High = f.float()
		b.Low = f.float()
		b.Close = f.float()
		b.Volume = int64(f.float())
		_ = f.float() // wap
		_ = f.int()   // count
		if f.Error() != nil {
			return nil, fmt.Errorf("decoding bar %d: %w", i, f.Error())
		}
		bars = append(bars, b)
	}
	return bars, nil
}

// FundamentalXML fetches a fundamentals report (e.g. "ReportSnapshot",
// "CalendarReport"). Calls are throttled to the broker's pacing window;
// pacing rejections re-send the request after 5/10/20s backoff.
func (c *IBKRClient) FundamentalXML(ctx context.Context, symbol, report string) (string, error) {
	fields, err := c.requestWithPacingRetry(ctx, func(id int64) error {
		if err := c.pacer.Wait(ctx); err != nil {
			return err
		}
		return c.send(msgReqFundamentalData, "3", fmt.Sprint(id),
			"0", symbol, "STK", "SMART", "", "USD", "", report, "")
	})
	if err != nil {
		return "", err
	}
	f := newFieldReader(fields[1:])
	_ = f.int()
	_ = f.int64()
	xml := f.str()
	if err := f.Error(); err != nil {
		return "", fmt.Errorf("decoding fundamental data: %w", err)
	}
	return xml, nil
}

// Scan runs a broker-native scanner subscription and returns the ranked rows.
func (c *IBKRClient) Scan(ctx context.Context, req ScanRequest) ([]ScanRow, error) {
	id := c.reqID()
	ch, cleanup := c.subscribe(id)
	defer cleanup()

	maxRows := req.MaxRows
	if maxRows <= 0 || maxRows > 50 {
		maxRows = 50
	}
	err := c.send(msgReqScannerSub, "4", fmt.Sprint(id),
		fmt.Sprint(maxRows), req.Instrument, req.Location, req.Code,
		formatFloat(req.AbovePrice), formatFloat(req.BelowPrice),
		"", "", "", "", "", "", "", "", "", "", "", "", "", "")
	if err != nil {
		return nil, err
	}
	defer func() { _ = c.send(msgCancelScannerSub, "1", fmt.Sprint(id)) }()

	fields, err := c.await(ctx, ch)
	if err != nil {
		return nil, err
	}
	if fields[0] == inErrMsg {
		return nil, wireError(fields)
	}
	return decodeScannerData(fields)
}

func decodeScannerData(fields []string) ([]ScanRow, error) {
	// code, version, reqId, numElements, then per element:
	// rank, conId, symbol, secType, expiry, strike, right, exchange, currency,
	// localSymbol, marketName, tradingClass, distance, benchmark, projection, legsStr
	f := newFieldReader(fields[1:])
	_ = f.int()
	_ = f.int64()
	n := f.int()
	rows := make([]ScanRow, 0, n)
	for i := 0; i < n; i++ {
		var row ScanRow
		row.Rank = f.int()
		_ = f.int64()
		row.Symbol = f.str()
		for j := 0; j < 13; j++ {
			_ = f.str()
		}
		if f.Error() != nil {
			return nil, fmt.Errorf("decoding scanner row %d: %w", i, f.Error())
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// TreasuryYield snapshots the 13-week Treasury index and returns its yield as
// a decimal rate.
func (c *IBKRClient) TreasuryYield(ctx context.Context) (float64, error) {
	quote := models.StockQuote{}
	contract := Contract{Symbol: "IRX", SecType: "IND", Exchange: "CBOE", Currency: "USD"}
	err := c.snapshot(ctx, contract, func(fields []string) {
		applyStockTick(&quote, fields)
	})
	if err != nil {
		return 0, err
	}
	if quote.Last <= 0 {
		return 0, fmt.Errorf("treasury index returned no last price")
	}
	// IRX quotes ten times the annualized discount rate in percent.
	return quote.Last / 10.0 / 100.0, nil
}

// --- plumbing ---

// await blocks for the next routed frame or the context deadline.
func (c *IBKRClient) await(ctx context.Context, ch chan []string) ([]string, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case fields, ok := <-ch:
		if !ok {
			return nil, ErrNotConnected
		}
		return fields, nil
	}
}

// pacingBackoffs is the retry schedule for broker pacing rejections.
var pacingBackoffs = []time.Duration{5 * time.Second, 10 * time.Second, 20 * time.Second}

// requestWithPacingRetry issues a request and waits for its response. A
// pacing rejection voids the request on the gateway side, so every retry
// re-sends through the send callback under a fresh request id after the
// scheduled backoff. Exhausting the schedule surfaces ErrBrokerPacing.
func (c *IBKRClient) requestWithPacingRetry(ctx context.Context, send func(id int64) error) ([]string, error) {
	for attempt := 0; ; attempt++ {
		id := c.reqID()
		ch, cleanup := c.subscribe(id)
		if err := send(id); err != nil {
			cleanup()
			return nil, err
		}
		fields, err := c.await(ctx, ch)
		cleanup()
		if err != nil {
			return nil, err
		}
		if fields[0] != inErrMsg {
			return fields, nil
		}
		if !isPacingError(fields) {
			return nil, wireError(fields)
		}
		if attempt >= len(pacingBackoffs) {
			return nil, fmt.Errorf("%w: request %d", ErrBrokerPacing, id)
		}
		c.log.Warn().Int64("req_id", id).Dur("backoff", pacingBackoffs[attempt]).
			Msg("pacing violation, backing off before re-sending")
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(pacingBackoffs[attempt]):
		}
	}
}

func isPacingError(fields []string) bool {
	f := newFieldReader(fields[1:])
	_ = f.int()
	_ = f.int64()
	code := f.int()
	return f.Error() == nil && (code == codePacingViolation || code == codeMaxTickersReached)
}

func wireError(fields []string) error {
	f := newFieldReader(fields[1:])
	_ = f.int()
	_ = f.int64()
	code := f.int()
	text := f.str()
	if f.Error() != nil {
		return fmt.Errorf("gateway error (malformed frame)")
	}
	if code == codePacingViolation {
		return fmt.Errorf("%w: %s", ErrBrokerPacing, text)
	}
	if code == 201 || code == 202 || code == 203 {
		return fmt.Errorf("%w: %d %s", ErrOrderRejected, code, text)
	}
	return fmt.Errorf("gateway error %d: %s", code, text)
}

func exchangeOrSmart(e string) string {
	if e == "" {
		return "SMART"
	}
	return e
}

func currencyOrUSD(cur string) string {
	if cur == "" {
		return "USD"
	}
	return cur
}
