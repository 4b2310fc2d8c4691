package ofx

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/aclindsa/ofxgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Veraticus/taxflow/internal/bank"
	"github.com/Veraticus/taxflow/internal/service"
)

// Sample OFX data for testing.
const sampleBankOFX = `OFXHEADER:100
DATA:OFXSGML
VERSION:102
SECURITY:NONE
ENCODING:USASCII
CHARSET:1252
COMPRESSION:NONE
OLDFILEUID:NONE
NEWFILEUID:NONE

<OFX>
<SIGNONMSGSRSV1>
<SONRS>
<STATUS>
<CODE>0
<SEVERITY>INFO
</STATUS>
<DTSERVER>20240315120000[0:GMT]
<LANGUAGE>ENG
</SONRS>
</SIGNONMSGSRSV1>
<BANKMSGSRSV1>
<STMTTRNRS>
<TRNUID>1
<STATUS>
<CODE>0
<SEVERITY>INFO
</STATUS>
<STMTRS>
<CURDEF>USD
<BANKACCTFROM>
<BANKID>123456789
<ACCTID>1234567890
<ACCTTYPE>CHECKING
</BANKACCTFROM>
<BANKTRANLIST>
<DTSTART>20240101120000[0:GMT]
<DTEND>20240131120000[0:GMT]
<STMTTRN>
<TRNTYPE>DEBIT
<DTPOSTED>20240115120000[0:GMT]
<TRNAMT>-25.50
<FITID>2024011501
<NAME>STARBUCKS STORE #1234
</STMTTRN>
<STMTTRN>
<TRNTYPE>DEBIT
<DTPOSTED>20240120120000[0:GMT]
<TRNAMT>-125.00
<FITID>2024012001
<NAME>Whole Foods Market
</STMTTRN>
<STMTTRN>
<TRNTYPE>CHECK
<DTPOSTED>20240125120000[0:GMT]
<TRNAMT>-500.00
<FITID>2024012501
<CHECKNUM>1234
<NAME>CHECK #1234
</STMTTRN>
</BANKTRANLIST>
<LEDGERBAL>
<BALAMT>1000.00
<DTASOF>20240131120000[0:GMT]
</LEDGERBAL>
</STMTRS>
</STMTTRNRS>
</BANKMSGSRSV1>
</OFX>`

const sampleCreditCardOFX = `OFXHEADER:100
DATA:OFXSGML
VERSION:102
SECURITY:NONE
ENCODING:USASCII
CHARSET:1252
COMPRESSION:NONE
OLDFILEUID:NONE
NEWFILEUID:NONE

<OFX>
<SIGNONMSGSRSV1>
<SONRS>
<STATUS>
<CODE>0
<SEVERITY>INFO
</STATUS>
<DTSERVER>20240315120000[0:GMT]
<LANGUAGE>ENG
</SONRS>
</SIGNONMSGSRSV1>
<CREDITCARDMSGSRSV1>
<CCSTMTTRNRS>
<TRNUID>1
<STATUS>
<CODE>0
<SEVERITY>INFO
</STATUS>
<CCSTMTRS>
<CURDEF>USD
<CCACCTFROM>
<ACCTID>4111111111111111
</CCACCTFROM>
<BANKTRANLIST>
<DTSTART>20240101120000[0:GMT]
<DTEND>20240131120000[0:GMT]
<STMTTRN>
<TRNTYPE>DEBIT
<DTPOSTED>20240110120000[0:GMT]
<TRNAMT>-45.99
<FITID>CC2024011001
<NAME>AMAZON.COM*RT4Y7HG2
</STMTTRN>
<STMTTRN>
<TRNTYPE>DEBIT
<DTPOSTED>20240115120000[0:GMT]
<TRNAMT>-15.00
<FITID>CC2024011501
<NAME>NETFLIX.COM
</STMTTRN>
</BANKTRANLIST>
<LEDGERBAL>
<BALAMT>-500.00
<DTASOF>20240131120000[0:GMT]
</LEDGERBAL>
</CCSTMTRS>
</CCSTMTTRNRS>
</CREDITCARDMSGSRSV1>
</OFX>`

func TestParseFile(t *testing.T) {
	tests := []struct {
		name          string
		ofxData       string
		expectedCount int
		expectedError bool
	}{
		{name: "valid bank statement", ofxData: sampleBankOFX, expectedCount: 3},
		{name: "valid credit card statement", ofxData: sampleCreditCardOFX, expectedCount: 2},
		{name: "invalid OFX data", ofxData: "not valid OFX", expectedError: true},
		{name: "empty OFX", ofxData: "", expectedError: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			entries, err := NewParser().ParseFile(context.Background(), strings.NewReader(tt.ofxData))
			if tt.expectedError {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Len(t, entries, tt.expectedCount)
		})
	}
}

func TestParseBankTransactions(t *testing.T) {
	entries, err := NewParser().ParseFile(context.Background(), strings.NewReader(sampleBankOFX))
	require.NoError(t, err)
	require.Len(t, entries, 3)

	e1 := entries[0]
	assert.Equal(t, "2024011501", e1.FITID)
	assert.Equal(t, "STARBUCKS STORE #1234", e1.Payee)
	assert.Equal(t, int64(-2550), e1.Amount, "dollars are stored in cents")
	assert.Equal(t, "USD", e1.Currency)
	assert.Equal(t, "1234567890", e1.AccountID)
	assert.Equal(t, 2024, e1.Posted.Year())
	assert.Equal(t, time.January, e1.Posted.Month())
	assert.Equal(t, 15, e1.Posted.Day())

	assert.Equal(t, "Whole Foods Market", entries[1].Payee)
	assert.Equal(t, int64(-12500), entries[1].Amount)
	assert.Equal(t, int64(-50000), entries[2].Amount)
}

func TestParseCreditCardTransactions(t *testing.T) {
	entries, err := NewParser().ParseFile(context.Background(), strings.NewReader(sampleCreditCardOFX))
	require.NoError(t, err)
	require.Len(t, entries, 2)

	assert.Equal(t, "CC2024011001", entries[0].FITID)
	assert.Equal(t, "AMAZON.COM*RT4Y7HG2", entries[0].Payee)
	assert.Equal(t, int64(-4599), entries[0].Amount)
	assert.Equal(t, "4111111111111111", entries[0].AccountID)
}

func TestParseWonStatement(t *testing.T) {
	won := strings.Replace(sampleBankOFX, "<CURDEF>USD", "<CURDEF>KRW", 1)
	won = strings.Replace(won, "<TRNAMT>-25.50", "<TRNAMT>-150000", 1)

	entries, err := NewParser().ParseFile(context.Background(), strings.NewReader(won))
	require.NoError(t, err)
	assert.Equal(t, int64(-150000), entries[0].Amount, "won has no minor unit")
}

func TestExtractMerchantName(t *testing.T) {
	parser := NewParser()

	tests := []struct {
		name     string
		input    string
		memo     string
		expected string
	}{
		{name: "remove POS prefix", input: "POS PURCHASE STARBUCKS", expected: "STARBUCKS"},
		{name: "remove DEBIT CARD prefix", input: "DEBIT CARD PURCHASE WHOLE FOODS", expected: "WHOLE FOODS"},
		{name: "keep clean name", input: "NETFLIX.COM", expected: "NETFLIX.COM"},
		{name: "trim whitespace", input: "  AMAZON.COM  ", expected: "AMAZON.COM"},
		{name: "generic name falls back to memo", input: "DEBIT", memo: "BISTRO SEOUL", expected: "BISTRO SEOUL"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tx := ofxgo.Transaction{
				Name: ofxgo.String(tt.input),
				Memo: ofxgo.String(tt.memo),
			}
			assert.Equal(t, tt.expected, parser.extractMerchantName(tx))
		})
	}
}

func TestDirectorySource(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "1234567890-jan.ofx"), []byte(sampleBankOFX), 0600))
	// An overlapping export repeats the same lines.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "1234567890-jan-again.qfx"), []byte(sampleBankOFX), 0600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "4111111111111111.ofx"), []byte(sampleCreditCardOFX), 0600))

	source := NewDirectorySource(dir)
	account := bank.AccountRef{ID: "1234567890", BankName: "Kookmin", AccountNumber: "123-456-7890", Source: bank.KindOFX}
	r := service.DateRange{
		Start: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2024, 1, 21, 0, 0, 0, 0, time.UTC),
	}

	records, err := source.FetchTransactions(context.Background(), account, r)
	require.NoError(t, err)
	require.Len(t, records, 2, "deduplicated by FITID and limited to the range")
	assert.Equal(t, int64(2550), records[0].Amount)
	assert.False(t, records[0].Inflow)
	assert.Equal(t, "Kookmin", records[0].BankName)
	assert.Equal(t, "1234567890", records[0].AccountID)

	none, err := source.FetchTransactions(context.Background(), bank.AccountRef{ID: "999"}, r)
	require.NoError(t, err)
	assert.Empty(t, none)

	_, err = source.FetchTransactions(context.Background(), bank.AccountRef{ID: "../etc"}, r)
	assert.Error(t, err)
}
