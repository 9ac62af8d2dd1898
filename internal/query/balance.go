package query

// AccountResponse is one ledger account's live balance.
type AccountResponse struct {
	Path    string `json:"path"`
	Asset   string `json:"asset"`
	Balance string `json:"balance"` // signed decimal
}

type AccountsResponse struct {
	Accounts     []AccountResponse `json:"accounts"`
	AsOfSequence int64             `json:"as_of_sequence"`
}

// GetAccounts returns every ledger account from the core's tracker.
func (qs *QueryService) GetAccounts() *AccountsResponse {
	balances, asOf := qs.core.AccountBalances()
	out := &AccountsResponse{
		Accounts:     make([]AccountResponse, 0, len(balances)),
		AsOfSequence: asOf,
	}
	for _, b := range balances {
		out.Accounts = append(out.Accounts, AccountResponse{Path: b.Path, Asset: b.Asset, Balance: b.Balance})
	}
	return out
}
