package viewmodels

type Order struct {
	ID            string  `json:"id"`
	CustomerID    string  `json:"customerId"`
	Amount        string  `json:"amount"`
	Status        string  `json:"status"`
	CorrelationID string  `json:"correlationId"`
	CreatedAt     string  `json:"createdAtUtc"`
	UpdatedAt     string  `json:"updatedAtUtc"`
	LastError     *string `json:"lastError,omitempty"`
}

type OrderPage struct {
	Items    []Order `json:"items"`
	Total    int64   `json:"total"`
	Page     int     `json:"page"`
	PageSize int     `json:"pageSize"`
}

type ProcessingLog struct {
	ID            string  `json:"id"`
	OrderID       string  `json:"orderId"`
	CorrelationID string  `json:"correlationId"`
	Attempt       int     `json:"attempt"`
	StartedAt     string  `json:"startedAtUtc"`
	EndedAt       *string `json:"endedAtUtc,omitempty"`
	Succeeded     bool    `json:"succeeded"`
	ErrorMessage  *string `json:"errorMessage,omitempty"`
}
