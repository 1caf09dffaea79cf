package envelope

import (
	"testing"
	"time"

	"github.com/beevik/etree"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sii-gateway/internal/certstore"
	"sii-gateway/internal/fiscal"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func testKeyMaterial() *certstore.KeyMaterial {
	return &certstore.KeyMaterial{
		SubjectDN: "CN=Firma Fiscal Test,O=Gestoria Digital SL",
		NotBefore: time.Date(2020, time.January, 1, 0, 0, 0, 0, time.UTC),
		NotAfter:  time.Date(2030, time.January, 1, 0, 0, 0, 0, time.UTC),
	}
}

func testInvoice() *fiscal.Invoice {
	return &fiscal.Invoice{
		Number:        "FA-2026-0042",
		IssuedAt:      time.Date(2026, time.February, 14, 0, 0, 0, 0, time.UTC),
		IssuerNIF:     "B12345678",
		IssuerName:    "Gestoria Digital SL",
		RecipientNIF:  "12345678Z",
		RecipientName: "Cliente Ejemplo",
		Description:   "Servicios profesionales",
		OperationType: "F1",
		Lines: []fiscal.TaxLine{
			{Base: dec("600.00"), Rate: dec("21"), Tax: dec("126.00")},
			{Base: dec("400.00"), Rate: dec("10"), Tax: dec("40.00")},
		},
		TotalBase:   dec("1000.00"),
		TotalTax:    dec("166.00"),
		TotalAmount: dec("1166.00"),
	}
}

var buildNow = time.Date(2026, time.February, 15, 9, 30, 0, 0, time.UTC)

func parse(t *testing.T, body []byte) *etree.Document {
	t.Helper()
	doc := etree.NewDocument()
	require.NoError(t, doc.ReadFromBytes(body))
	return doc
}

func TestBuildConcreteScenario(t *testing.T) {
	// Line A 600.00 @ 21% -> 126.00, line B 400.00 @ 10% -> 40.00. Expect two
	// distinct tax blocks with totals base=1000.00 tax=166.00.
	env, err := Build(testInvoice(), testKeyMaterial(), buildNow)
	require.NoError(t, err)

	doc := parse(t, env.Body)
	blocks := doc.FindElements("//DetalleIVA")
	require.Len(t, blocks, 2)

	assert.Equal(t, "10.00", blocks[0].SelectElement("TipoImpositivo").Text())
	assert.Equal(t, "400.00", blocks[0].SelectElement("BaseImponible").Text())
	assert.Equal(t, "40.00", blocks[0].SelectElement("CuotaRepercutida").Text())

	assert.Equal(t, "21.00", blocks[1].SelectElement("TipoImpositivo").Text())
	assert.Equal(t, "600.00", blocks[1].SelectElement("BaseImponible").Text())
	assert.Equal(t, "126.00", blocks[1].SelectElement("CuotaRepercutida").Text())

	assert.Equal(t, "1166.00", doc.FindElement("//ImporteTotal").Text())
}

func TestBuildGroupsLinesSharingARate(t *testing.T) {
	inv := testInvoice()
	inv.Lines = []fiscal.TaxLine{
		{Base: dec("100.00"), Rate: dec("21"), Tax: dec("21.00")},
		{Base: dec("200.00"), Rate: dec("21"), Tax: dec("42.00")},
		{Base: dec("300.00"), Rate: dec("21"), Tax: dec("63.00")},
	}
	inv.TotalBase = dec("600.00")
	inv.TotalTax = dec("126.00")
	inv.TotalAmount = dec("726.00")

	env, err := Build(inv, testKeyMaterial(), buildNow)
	require.NoError(t, err)

	blocks := parse(t, env.Body).FindElements("//DetalleIVA")
	require.Len(t, blocks, 1, "N lines at one rate must yield exactly one tax block")
	assert.Equal(t, "600.00", blocks[0].SelectElement("BaseImponible").Text())
	assert.Equal(t, "126.00", blocks[0].SelectElement("CuotaRepercutida").Text())
}

func TestBuildPeriodAndInvoiceID(t *testing.T) {
	env, err := Build(testInvoice(), testKeyMaterial(), buildNow)
	require.NoError(t, err)

	doc := parse(t, env.Body)
	assert.Equal(t, "2026", doc.FindElement("//Ejercicio").Text())
	assert.Equal(t, "1T", doc.FindElement("//Periodo").Text())
	assert.Equal(t, "FA-2026-0042", doc.FindElement("//NumSerieFacturaEmisor").Text())
	assert.Equal(t, "14-02-2026", doc.FindElement("//FechaExpedicionFacturaEmisor").Text())
	assert.Equal(t, "B12345678", doc.FindElement("//IDEmisorFactura/NIF").Text())
}

func TestBuildDeterministicModuloTimestamp(t *testing.T) {
	first, err := Build(testInvoice(), testKeyMaterial(), buildNow)
	require.NoError(t, err)
	second, err := Build(testInvoice(), testKeyMaterial(), buildNow.Add(3*time.Hour))
	require.NoError(t, err)

	assert.Equal(t, stripTimestamp(t, first.Body), stripTimestamp(t, second.Body))
}

func TestBuildSameInstantIsByteIdentical(t *testing.T) {
	first, err := Build(testInvoice(), testKeyMaterial(), buildNow)
	require.NoError(t, err)
	second, err := Build(testInvoice(), testKeyMaterial(), buildNow)
	require.NoError(t, err)

	assert.Equal(t, first.Body, second.Body)
}

func TestBuildEscapesFreeTextRoundTrip(t *testing.T) {
	const hostile = `Tom & Jerry <restoration> of "antique" 'clocks'`
	inv := testInvoice()
	inv.Description = hostile
	inv.RecipientName = `O'Brien & Sons <SL>`

	env, err := Build(inv, testKeyMaterial(), buildNow)
	require.NoError(t, err)

	doc := parse(t, env.Body)
	assert.Equal(t, hostile, doc.FindElement("//DescripcionOperacion").Text())
	assert.Equal(t, `O'Brien & Sons <SL>`, doc.FindElement("//Contraparte/NombreRazon").Text())
}

func TestBuildFailsClosedOnExpiredCertificate(t *testing.T) {
	km := testKeyMaterial()
	km.NotAfter = buildNow.Add(-time.Hour)

	_, err := Build(testInvoice(), km, buildNow)
	require.Error(t, err)
}

func TestBuildRejectsInvalidInvoice(t *testing.T) {
	inv := testInvoice()
	inv.TotalTax = dec("999.00")

	_, err := Build(inv, testKeyMaterial(), buildNow)
	require.Error(t, err)
}

// stripTimestamp removes the presentation timestamp element, the only part of
// the envelope allowed to differ between two builds of the same invoice.
func stripTimestamp(t *testing.T, body []byte) string {
	t.Helper()
	doc := parse(t, body)
	el := doc.FindElement("//FechaHoraPresentacion")
	require.NotNil(t, el)
	el.Parent().RemoveChild(el)
	out, err := doc.WriteToString()
	require.NoError(t, err)
	return out
}
