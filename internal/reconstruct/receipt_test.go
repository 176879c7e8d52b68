package reconstruct

import (
	"encoding/csv"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	p := newParser()

	d, err := p.Parse(ReceiptRow{
		ReceiptNo: " R-100 ", StudentID: "18001", TermID: "2024 t1", Amount: "$1,250.505",
		NetDiscount: "NULL", PmtType: "csh", PmtDate: "2024-01-05 10:30:00.000", Notes: "  dis  10%  ",
	}, 2, "raw")
	require.NoError(t, err)
	assert.Equal(t, "R-100", d.ReceiptNo)
	assert.Equal(t, "2024-T1", d.TermCode)
	assert.Equal(t, "1250.51", d.Amount.StringFixed(2))
	assert.True(t, d.Discount.IsZero())
	assert.Equal(t, "1250.51", d.NetAmount.StringFixed(2))
	assert.Equal(t, "CSH", d.PaymentType)
	require.NotNil(t, d.PaymentDate)
	assert.Equal(t, 10, d.PaymentDate.Hour())
	assert.Equal(t, "dis 10%", d.Notes)
}

func TestParse_Malformed(t *testing.T) {
	p := newParser()
	tests := []struct {
		name string
		row  ReceiptRow
	}{
		{"missing receipt", ReceiptRow{StudentID: "1", TermID: "T", Amount: "10"}},
		{"missing student", ReceiptRow{ReceiptNo: "R", StudentID: "NULL", TermID: "T", Amount: "10"}},
		{"missing amount", ReceiptRow{ReceiptNo: "R", StudentID: "1", TermID: "T"}},
		{"bad amount", ReceiptRow{ReceiptNo: "R", StudentID: "1", TermID: "T", Amount: "ten"}},
		{"bad discount", ReceiptRow{ReceiptNo: "R", StudentID: "1", TermID: "T", Amount: "10", NetDiscount: "x"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := p.Parse(tt.row, 2, "")
			assert.Error(t, err)
		})
	}
}

func TestReceiptReader(t *testing.T) {
	rr, err := newReceiptReader(strings.NewReader(receiptHeader +
		"R1,18001,2024T1,10,,,,,,1\n" +
		"R2,18001,2024T1,10,,,,,,0\n"))
	require.NoError(t, err)

	row, n, raw, decodeErr, err := rr.Next()
	require.NoError(t, err)
	require.NoError(t, decodeErr)
	assert.Equal(t, 2, n)
	assert.True(t, row.IsDeleted())
	assert.Equal(t, "R1,18001,2024T1,10,,,,,,1", raw)

	row, n, _, _, err = rr.Next()
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.False(t, row.IsDeleted())

	_, _, _, _, err = rr.Next()
	assert.Equal(t, io.EOF, err)
}

func TestReceiptReader_RawRowKeepsQuoting(t *testing.T) {
	line := `R7,18001,2024T1,10,,,CSH,,"sibling, 2nd child ""Dara""",0`
	rr, err := newReceiptReader(strings.NewReader(receiptHeader + line + "\n"))
	require.NoError(t, err)

	row, _, raw, decodeErr, err := rr.Next()
	require.NoError(t, err)
	require.NoError(t, decodeErr)
	assert.Equal(t, `sibling, 2nd child "Dara"`, row.Notes)
	assert.Equal(t, line, raw)

	back, err := csv.NewReader(strings.NewReader(raw)).Read()
	require.NoError(t, err)
	assert.Len(t, back, 10)
	assert.Equal(t, row.Notes, back[8])
}

func TestReceiptReader_EmptyInput(t *testing.T) {
	_, err := newReceiptReader(strings.NewReader(""))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "empty")
}
