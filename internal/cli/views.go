package cli

import (
	"bytes"
	"fmt"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mmynk/fieldsync/internal/dispatch"
	"github.com/mmynk/fieldsync/internal/ledger"
	"github.com/mmynk/fieldsync/internal/models"
)

// Views are the structured output of commands. Their String methods are the
// text format.

func money(d decimal.Decimal) string {
	return d.StringFixed(2)
}

func timestamp(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

// table renders rows with aligned columns.
func table(header []string, rows [][]string) string {
	var buf bytes.Buffer
	w := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, strings.Join(header, "\t"))
	for _, row := range rows {
		fmt.Fprintln(w, strings.Join(row, "\t"))
	}
	w.Flush()
	return strings.TrimRight(buf.String(), "\n")
}

type totalsView struct {
	TotalClients   int    `json:"totalClients" yaml:"totalClients"`
	SettledClients int    `json:"settledClients" yaml:"settledClients"`
	TotalSettled   string `json:"totalSettled" yaml:"totalSettled"`
	TotalExpenses  string `json:"totalExpenses" yaml:"totalExpenses"`
	NetProfit      string `json:"netProfit" yaml:"netProfit"`
	TotalDebt      string `json:"totalDebt" yaml:"totalDebt"`
}

type cycleView struct {
	ID             string      `json:"id" yaml:"id"`
	RouteID        string      `json:"routeId" yaml:"routeId"`
	Year           int         `json:"year" yaml:"year"`
	SequenceNumber int         `json:"sequenceNumber" yaml:"sequenceNumber"`
	Status         string      `json:"status" yaml:"status"`
	StartedAt      string      `json:"startedAt,omitempty" yaml:"startedAt,omitempty"`
	FinishedAt     string      `json:"finishedAt,omitempty" yaml:"finishedAt,omitempty"`
	Totals         *totalsView `json:"totals,omitempty" yaml:"totals,omitempty"`
}

func newCycleView(c *models.SettlementCycle) cycleView {
	v := cycleView{
		ID:             c.ID,
		RouteID:        c.RouteID,
		Year:           c.Year,
		SequenceNumber: c.SequenceNumber,
		Status:         string(c.Status),
		StartedAt:      timestamp(c.StartedAt),
	}
	if c.FinishedAt != nil {
		v.FinishedAt = timestamp(*c.FinishedAt)
	}
	if t := c.FrozenTotals; t != nil {
		v.Totals = &totalsView{
			TotalClients:   t.TotalClients,
			SettledClients: t.SettledClients,
			TotalSettled:   money(t.TotalSettled),
			TotalExpenses:  money(t.TotalExpenses),
			NetProfit:      money(t.NetProfit),
			TotalDebt:      money(t.TotalDebt),
		}
	}
	return v
}

func (v cycleView) String() string {
	s := fmt.Sprintf("Cycle %s\n  route:  %s\n  period: %d/%d\n  status: %s",
		v.ID, v.RouteID, v.Year, v.SequenceNumber, v.Status)
	if v.StartedAt != "" {
		s += "\n  started:  " + v.StartedAt
	}
	if v.FinishedAt != "" {
		s += "\n  finished: " + v.FinishedAt
	}
	if t := v.Totals; t != nil {
		s += fmt.Sprintf("\n  clients:  %d settled of %d\n  settled:  %s\n  expenses: %s\n  profit:   %s\n  debt:     %s",
			t.SettledClients, t.TotalClients, t.TotalSettled, t.TotalExpenses, t.NetProfit, t.TotalDebt)
	}
	return s
}

type cycleList []cycleView

func (l cycleList) String() string {
	rows := make([][]string, 0, len(l))
	for _, c := range l {
		rows = append(rows, []string{c.ID, fmt.Sprintf("%d/%d", c.Year, c.SequenceNumber), c.Status, c.StartedAt, c.FinishedAt})
	}
	return table([]string{"ID", "PERIOD", "STATUS", "STARTED", "FINISHED"}, rows)
}

type clientView struct {
	ID       string `json:"id" yaml:"id"`
	RouteID  string `json:"routeId" yaml:"routeId"`
	Name     string `json:"name" yaml:"name"`
	Document string `json:"document,omitempty" yaml:"document,omitempty"`
	Phone    string `json:"phone,omitempty" yaml:"phone,omitempty"`
	Active   bool   `json:"active" yaml:"active"`
	Debt     string `json:"debt" yaml:"debt"`
}

func newClientView(c *models.Client) clientView {
	return clientView{
		ID:       c.ID,
		RouteID:  c.RouteID,
		Name:     c.Name,
		Document: c.Document,
		Phone:    c.Phone,
		Active:   c.Active,
		Debt:     money(c.CachedDebt),
	}
}

func (v clientView) String() string {
	return fmt.Sprintf("Client %s\n  name:  %s\n  route: %s\n  debt:  %s", v.ID, v.Name, v.RouteID, v.Debt)
}

type clientList []clientView

func (l clientList) String() string {
	rows := make([][]string, 0, len(l))
	for _, c := range l {
		active := "yes"
		if !c.Active {
			active = "no"
		}
		rows = append(rows, []string{c.ID, c.Name, active, c.Debt})
	}
	return table([]string{"ID", "NAME", "ACTIVE", "DEBT"}, rows)
}

type settlementView struct {
	ID               string            `json:"id" yaml:"id"`
	ClientID         string            `json:"clientId" yaml:"clientId"`
	CycleID          string            `json:"cycleId" yaml:"cycleId"`
	Timestamp        string            `json:"timestamp" yaml:"timestamp"`
	PreviousDebt     string            `json:"previousDebt" yaml:"previousDebt"`
	GrossAmount      string            `json:"grossAmount" yaml:"grossAmount"`
	Discount         string            `json:"discount" yaml:"discount"`
	AmountReceived   string            `json:"amountReceived" yaml:"amountReceived"`
	CurrentDebt      string            `json:"currentDebt" yaml:"currentDebt"`
	PaymentBreakdown map[string]string `json:"paymentBreakdown,omitempty" yaml:"paymentBreakdown,omitempty"`
	Notes            string            `json:"notes,omitempty" yaml:"notes,omitempty"`
}

func newSettlementView(s *models.Settlement) settlementView {
	v := settlementView{
		ID:             s.ID,
		ClientID:       s.ClientID,
		CycleID:        s.CycleID,
		Timestamp:      timestamp(s.Timestamp),
		PreviousDebt:   money(s.PreviousDebt),
		GrossAmount:    money(s.GrossAmount),
		Discount:       money(s.Discount),
		AmountReceived: money(s.AmountReceived),
		CurrentDebt:    money(s.CurrentDebt),
		Notes:          s.Notes,
	}
	if len(s.PaymentBreakdown) > 0 {
		v.PaymentBreakdown = make(map[string]string, len(s.PaymentBreakdown))
		for method, amount := range s.PaymentBreakdown {
			v.PaymentBreakdown[method] = money(amount)
		}
	}
	return v
}

func (v settlementView) String() string {
	return fmt.Sprintf("Settlement %s\n  client:   %s\n  previous: %s\n  gross:    %s\n  discount: %s\n  received: %s\n  debt:     %s",
		v.ID, v.ClientID, v.PreviousDebt, v.GrossAmount, v.Discount, v.AmountReceived, v.CurrentDebt)
}

// debtView is a client's balance with its settlement history.
type debtView struct {
	Client  clientView       `json:"client" yaml:"client"`
	Debt    string           `json:"debt" yaml:"debt"`
	History []settlementView `json:"history" yaml:"history"`
}

func (v debtView) String() string {
	rows := make([][]string, 0, len(v.History))
	for _, s := range v.History {
		rows = append(rows, []string{s.Timestamp, s.PreviousDebt, s.GrossAmount, s.Discount, s.AmountReceived, s.CurrentDebt})
	}
	return fmt.Sprintf("%s (%s)\nDebt: %s\n\n%s", v.Client.Name, v.Client.ID, v.Debt,
		table([]string{"TIME", "PREVIOUS", "GROSS", "DISCOUNT", "RECEIVED", "DEBT"}, rows))
}

type driftView struct {
	ClientID   string   `json:"clientId" yaml:"clientId"`
	Cached     string   `json:"cached" yaml:"cached"`
	Recomputed string   `json:"recomputed" yaml:"recomputed"`
	Breaks     []string `json:"breaks,omitempty" yaml:"breaks,omitempty"`
}

type verifyView struct {
	Refreshed bool        `json:"refreshed" yaml:"refreshed"`
	Drift     []driftView `json:"drift" yaml:"drift"`
}

func newVerifyView(drift []ledger.Drift, refreshed bool) verifyView {
	v := verifyView{Refreshed: refreshed, Drift: make([]driftView, 0, len(drift))}
	for _, d := range drift {
		dv := driftView{ClientID: d.ClientID, Cached: money(d.Cached), Recomputed: money(d.Recomputed)}
		for _, b := range d.Breaks {
			dv.Breaks = append(dv.Breaks, b.ID)
		}
		v.Drift = append(v.Drift, dv)
	}
	return v
}

func (v verifyView) String() string {
	if len(v.Drift) == 0 {
		return "Ledger consistent"
	}
	rows := make([][]string, 0, len(v.Drift))
	for _, d := range v.Drift {
		rows = append(rows, []string{d.ClientID, d.Cached, d.Recomputed, strings.Join(d.Breaks, ",")})
	}
	s := table([]string{"CLIENT", "CACHED", "RECOMPUTED", "BREAKS"}, rows)
	if v.Refreshed {
		s += "\nCached debts refreshed"
	}
	return s
}

type expenseView struct {
	ID          string `json:"id" yaml:"id"`
	CycleID     string `json:"cycleId,omitempty" yaml:"cycleId,omitempty"`
	RouteID     string `json:"routeId" yaml:"routeId"`
	Amount      string `json:"amount" yaml:"amount"`
	Category    string `json:"category,omitempty" yaml:"category,omitempty"`
	Type        string `json:"type,omitempty" yaml:"type,omitempty"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
	Timestamp   string `json:"timestamp" yaml:"timestamp"`
	PhotoRef    string `json:"photoRef,omitempty" yaml:"photoRef,omitempty"`
}

func newExpenseView(e *models.Expense) expenseView {
	return expenseView{
		ID:          e.ID,
		CycleID:     e.CycleID,
		RouteID:     e.RouteID,
		Amount:      money(e.Amount),
		Category:    e.Category,
		Type:        e.Type,
		Description: e.Description,
		Timestamp:   timestamp(e.Timestamp),
		PhotoRef:    e.PhotoRef,
	}
}

func (v expenseView) String() string {
	s := fmt.Sprintf("Expense %s\n  amount:   %s\n  category: %s", v.ID, v.Amount, v.Category)
	if v.PhotoRef != "" {
		s += "\n  photo:    " + v.PhotoRef
	}
	return s
}

type expenseList []expenseView

func (l expenseList) String() string {
	rows := make([][]string, 0, len(l))
	for _, e := range l {
		rows = append(rows, []string{e.ID, e.Timestamp, e.Amount, e.Category, e.Description})
	}
	return table([]string{"ID", "TIME", "AMOUNT", "CATEGORY", "DESCRIPTION"}, rows)
}

type operationView struct {
	ID          string `json:"id" yaml:"id"`
	EntityType  string `json:"entityType" yaml:"entityType"`
	EntityID    string `json:"entityId" yaml:"entityId"`
	Kind        string `json:"kind" yaml:"kind"`
	Status      string `json:"status" yaml:"status"`
	Priority    int    `json:"priority" yaml:"priority"`
	RetryCount  int    `json:"retryCount" yaml:"retryCount"`
	ScheduledAt string `json:"scheduledAt" yaml:"scheduledAt"`
	LastError   string `json:"lastError,omitempty" yaml:"lastError,omitempty"`
}

func newOperationView(op *models.OutboxOperation) operationView {
	return operationView{
		ID:          op.ID,
		EntityType:  op.EntityType,
		EntityID:    op.EntityID,
		Kind:        string(op.Kind),
		Status:      string(op.Status),
		Priority:    op.Priority,
		RetryCount:  op.RetryCount,
		ScheduledAt: timestamp(op.ScheduledAt),
		LastError:   op.LastError,
	}
}

type operationList []operationView

func (l operationList) String() string {
	rows := make([][]string, 0, len(l))
	for _, op := range l {
		rows = append(rows, []string{op.ID, op.EntityType, op.EntityID, op.Kind, op.Status, fmt.Sprint(op.RetryCount), op.LastError})
	}
	return table([]string{"ID", "TYPE", "ENTITY", "KIND", "STATUS", "RETRIES", "LAST ERROR"}, rows)
}

// countView reports how many rows a maintenance command touched.
type countView struct {
	Action string `json:"action" yaml:"action"`
	Count  int64  `json:"count" yaml:"count"`
}

func (v countView) String() string {
	return fmt.Sprintf("%s: %d", v.Action, v.Count)
}

type metadataView struct {
	Key       string `json:"key" yaml:"key"`
	LastSync  string `json:"lastSync,omitempty" yaml:"lastSync,omitempty"`
	Count     int    `json:"count" yaml:"count"`
	Duration  string `json:"duration" yaml:"duration"`
	LastError string `json:"lastError,omitempty" yaml:"lastError,omitempty"`
}

type statusView struct {
	Configured    bool           `json:"configured" yaml:"configured"`
	Pending       int            `json:"pending" yaml:"pending"`
	Processing    int            `json:"processing" yaml:"processing"`
	Completed     int            `json:"completed" yaml:"completed"`
	Failed        int            `json:"failed" yaml:"failed"`
	OldestPending string         `json:"oldestPending,omitempty" yaml:"oldestPending,omitempty"`
	LastError     string         `json:"lastError,omitempty" yaml:"lastError,omitempty"`
	Metadata      []metadataView `json:"metadata" yaml:"metadata"`
}

func newStatusView(configured bool, s dispatch.Status) statusView {
	v := statusView{
		Configured:    configured,
		Pending:       s.Pending,
		Processing:    s.Processing,
		Completed:     s.Completed,
		Failed:        s.Failed,
		OldestPending: timestamp(s.OldestPendingAt),
		LastError:     s.LastError,
		Metadata:      make([]metadataView, 0, len(s.Metadata)),
	}
	for _, m := range s.Metadata {
		v.Metadata = append(v.Metadata, metadataView{
			Key:       m.EntityType,
			LastSync:  timestamp(m.LastSyncTimestamp),
			Count:     m.LastSyncCount,
			Duration:  m.LastDuration.String(),
			LastError: m.LastError,
		})
	}
	return v
}

func (v statusView) String() string {
	s := fmt.Sprintf("Outbox: %d pending, %d processing, %d completed, %d failed",
		v.Pending, v.Processing, v.Completed, v.Failed)
	if v.OldestPending != "" {
		s += "\nOldest pending: " + v.OldestPending
	}
	if v.LastError != "" {
		s += "\nLast error: " + v.LastError
	}
	if !v.Configured {
		s += "\nBackend: not configured"
	}
	if len(v.Metadata) > 0 {
		rows := make([][]string, 0, len(v.Metadata))
		for _, m := range v.Metadata {
			rows = append(rows, []string{m.Key, m.LastSync, fmt.Sprint(m.Count), m.Duration, m.LastError})
		}
		s += "\n\n" + table([]string{"KEY", "LAST SYNC", "COUNT", "DURATION", "LAST ERROR"}, rows)
	}
	return s
}

type syncView struct {
	Pulled    map[string]int `json:"pulled" yaml:"pulled"`
	Delivered int            `json:"delivered" yaml:"delivered"`
	Retried   int            `json:"retried" yaml:"retried"`
	Parked    int            `json:"parked" yaml:"parked"`
	Merged    int            `json:"merged" yaml:"merged"`
}

func newSyncView(pulled map[string]int, r dispatch.Round) syncView {
	return syncView{
		Pulled:    pulled,
		Delivered: r.Delivered,
		Retried:   r.Retried,
		Parked:    r.Parked,
		Merged:    r.Merged,
	}
}

func (v syncView) String() string {
	types := make([]string, 0, len(v.Pulled))
	for t := range v.Pulled {
		types = append(types, t)
	}
	sort.Strings(types)
	parts := make([]string, 0, len(types))
	for _, t := range types {
		parts = append(parts, fmt.Sprintf("%s=%d", t, v.Pulled[t]))
	}
	return fmt.Sprintf("Pulled: %s\nPushed: %d delivered, %d retried, %d parked, %d merged",
		strings.Join(parts, " "), v.Delivered, v.Retried, v.Parked, v.Merged)
}

type messageView struct {
	Message string `json:"message" yaml:"message"`
}

func (v messageView) String() string {
	return v.Message
}
