package service

// Все числа OANDA v20 отдаёт строками.

type clientExtensions struct {
	ID      string `json:"id,omitempty"`
	Tag     string `json:"tag,omitempty"`
	Comment string `json:"comment,omitempty"`
}

type dependentOrder struct {
	ID    string `json:"id"`
	Price string `json:"price"`
	State string `json:"state"`
}

type trade struct {
	ID                string            `json:"id"`
	Instrument        string            `json:"instrument"`
	Price             string            `json:"price"`
	OpenTime          string            `json:"openTime"`
	InitialUnits      string            `json:"initialUnits"`
	CurrentUnits      string            `json:"currentUnits"`
	State             string            `json:"state"`
	RealizedPL        string            `json:"realizedPL"`
	UnrealizedPL      string            `json:"unrealizedPL"`
	AverageClosePrice string            `json:"averageClosePrice"`
	CloseTime         string            `json:"closeTime"`
	ClientExtensions  *clientExtensions `json:"clientExtensions"`
	StopLossOrder     *dependentOrder   `json:"stopLossOrder"`
	TakeProfitOrder   *dependentOrder   `json:"takeProfitOrder"`
}

type tradesResponse struct {
	Trades            []trade `json:"trades"`
	LastTransactionID string  `json:"lastTransactionID"`
}

type tradeResponse struct {
	Trade trade `json:"trade"`
}

type priceBucket struct {
	Price string `json:"price"`
}

type price struct {
	Instrument string        `json:"instrument"`
	Time       string        `json:"time"`
	Tradeable  bool          `json:"tradeable"`
	Bids       []priceBucket `json:"bids"`
	Asks       []priceBucket `json:"asks"`
}

type pricingResponse struct {
	Prices []price `json:"prices"`
}

type candleMid struct {
	O string `json:"o"`
	H string `json:"h"`
	L string `json:"l"`
	C string `json:"c"`
}

type candle struct {
	Complete bool      `json:"complete"`
	Time     string    `json:"time"`
	Mid      candleMid `json:"mid"`
}

type candlesResponse struct {
	Instrument string   `json:"instrument"`
	Candles    []candle `json:"candles"`
}

type priceOnFill struct {
	Price       string `json:"price"`
	TimeInForce string `json:"timeInForce,omitempty"`
}

type marketOrder struct {
	Type                  string            `json:"type"`
	Instrument            string            `json:"instrument"`
	Units                 string            `json:"units"`
	TimeInForce           string            `json:"timeInForce"`
	PositionFill          string            `json:"positionFill"`
	StopLossOnFill        *priceOnFill      `json:"stopLossOnFill,omitempty"`
	TakeProfitOnFill      *priceOnFill      `json:"takeProfitOnFill,omitempty"`
	ClientExtensions      *clientExtensions `json:"clientExtensions,omitempty"`
	TradeClientExtensions *clientExtensions `json:"tradeClientExtensions,omitempty"`
}

type orderRequest struct {
	Order marketOrder `json:"order"`
}

type tradeOpened struct {
	TradeID string `json:"tradeID"`
	Units   string `json:"units"`
	Price   string `json:"price"`
}

type transaction struct {
	ID           string       `json:"id"`
	Type         string       `json:"type"`
	Time         string       `json:"time"`
	Price        string       `json:"price"`
	Reason       string       `json:"reason"`
	RejectReason string       `json:"rejectReason"`
	TradeOpened  *tradeOpened `json:"tradeOpened"`
}

type orderResponse struct {
	OrderCreateTransaction *transaction `json:"orderCreateTransaction"`
	OrderFillTransaction   *transaction `json:"orderFillTransaction"`
	OrderCancelTransaction *transaction `json:"orderCancelTransaction"`
	OrderRejectTransaction *transaction `json:"orderRejectTransaction"`
	ErrorCode              string       `json:"errorCode"`
	ErrorMessage           string       `json:"errorMessage"`
}

type closeRequest struct {
	Units string `json:"units"`
}

type stopLossDetails struct {
	Price       string `json:"price"`
	TimeInForce string `json:"timeInForce"`
}

type tradeOrdersRequest struct {
	StopLoss stopLossDetails `json:"stopLoss"`
}

type accountSummary struct {
	Balance         string `json:"balance"`
	NAV             string `json:"NAV"`
	MarginAvailable string `json:"marginAvailable"`
	Currency        string `json:"currency"`
}

type accountResponse struct {
	Account accountSummary `json:"account"`
}

type apiErrorBody struct {
	ErrorCode    string `json:"errorCode"`
	ErrorMessage string `json:"errorMessage"`
}
