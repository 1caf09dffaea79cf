// Package envelope maps a validated invoice onto the SII
// SuministroLRFacturasEmitidas message. Element order and namespaces follow
// the authority's schema; both are a compatibility contract.
package envelope

import (
	"fmt"
	"sort"
	"time"

	"github.com/beevik/etree"
	"github.com/shopspring/decimal"

	"sii-gateway/internal/certstore"
	"sii-gateway/internal/fiscal"
	"sii-gateway/internal/sii"
)

const (
	nsSoapEnv = "http://schemas.xmlsoap.org/soap/envelope/"
	nsSii     = "https://www2.agenciatributaria.gob.es/static_files/common/internet/dep/aplicaciones/es/aeat/ssii/fact/ws/SuministroInformacion.xsd"
	nsSiiLR   = "https://www2.agenciatributaria.gob.es/static_files/common/internet/dep/aplicaciones/es/aeat/ssii/fact/ws/SuministroLR.xsd"

	versionSii        = "1.1"
	communicationType = "A0" // first registration of new invoices
	specialRegimeKey  = "01" // general regime
	nonExemptType     = "S1" // subject, not reverse-charged
)

// taxBlock aggregates every invoice line sharing one VAT rate. The protocol
// requires one DetalleIVA element per distinct rate, not one per line item.
type taxBlock struct {
	rate decimal.Decimal
	base decimal.Decimal
	tax  decimal.Decimal
}

// Build transforms an invoice into the submission envelope. The output is
// deterministic: the same invoice and instant produce byte-identical bodies,
// and only the presentation timestamp element depends on the instant. The
// key material is checked before building so an expired identity fails
// closed here rather than mid-submission.
func Build(inv *fiscal.Invoice, km *certstore.KeyMaterial, now time.Time) (*sii.Envelope, error) {
	if err := inv.Validate(); err != nil {
		return nil, err
	}
	if err := km.Valid(now); err != nil {
		return nil, err
	}

	year, period := fiscal.Period(inv.IssuedAt)

	doc := etree.NewDocument()
	doc.CreateProcInst("xml", `version="1.0" encoding="UTF-8"`)

	env := doc.CreateElement("soapenv:Envelope")
	env.CreateAttr("xmlns:soapenv", nsSoapEnv)
	env.CreateAttr("xmlns:sii", nsSii)
	env.CreateAttr("xmlns:siiLR", nsSiiLR)

	header := env.CreateElement("soapenv:Header")
	header.CreateElement("sii:FechaHoraPresentacion").SetText(now.UTC().Format(time.RFC3339))

	body := env.CreateElement("soapenv:Body")
	supply := body.CreateElement("siiLR:SuministroLRFacturasEmitidas")

	cab := supply.CreateElement("sii:Cabecera")
	cab.CreateElement("sii:IDVersionSii").SetText(versionSii)
	titular := cab.CreateElement("sii:Titular")
	titular.CreateElement("sii:NombreRazon").SetText(inv.IssuerName)
	titular.CreateElement("sii:NIF").SetText(inv.IssuerNIF)
	cab.CreateElement("sii:TipoComunicacion").SetText(communicationType)

	reg := supply.CreateElement("siiLR:RegistroLRFacturasEmitidas")

	periodo := reg.CreateElement("sii:PeriodoLiquidacion")
	periodo.CreateElement("sii:Ejercicio").SetText(fmt.Sprintf("%d", year))
	periodo.CreateElement("sii:Periodo").SetText(period)

	idFactura := reg.CreateElement("siiLR:IDFactura")
	emisor := idFactura.CreateElement("sii:IDEmisorFactura")
	emisor.CreateElement("sii:NIF").SetText(inv.IssuerNIF)
	idFactura.CreateElement("sii:NumSerieFacturaEmisor").SetText(inv.Number)
	idFactura.CreateElement("sii:FechaExpedicionFacturaEmisor").SetText(inv.IssuedAt.Format("02-01-2006"))

	factura := reg.CreateElement("siiLR:FacturaExpedida")
	factura.CreateElement("sii:TipoFactura").SetText(inv.OperationType)
	factura.CreateElement("sii:ClaveRegimenEspecialOTrascendencia").SetText(specialRegimeKey)
	factura.CreateElement("sii:ImporteTotal").SetText(amount(inv.TotalAmount))
	factura.CreateElement("sii:DescripcionOperacion").SetText(inv.Description)

	contraparte := factura.CreateElement("sii:Contraparte")
	contraparte.CreateElement("sii:NombreRazon").SetText(inv.RecipientName)
	contraparte.CreateElement("sii:NIF").SetText(inv.RecipientNIF)

	desglose := factura.CreateElement("sii:TipoDesglose").
		CreateElement("sii:DesgloseFactura").
		CreateElement("sii:Sujeta").
		CreateElement("sii:NoExenta")
	desglose.CreateElement("sii:TipoNoExenta").SetText(nonExemptType)
	detalles := desglose.CreateElement("sii:DesgloseIVA")

	for _, block := range groupByRate(inv.Lines) {
		detalle := detalles.CreateElement("sii:DetalleIVA")
		detalle.CreateElement("sii:TipoImpositivo").SetText(amount(block.rate))
		detalle.CreateElement("sii:BaseImponible").SetText(amount(block.base))
		detalle.CreateElement("sii:CuotaRepercutida").SetText(amount(block.tax))
	}

	out, err := doc.WriteToBytes()
	if err != nil {
		return nil, fmt.Errorf("serialize envelope: %w", err)
	}
	return &sii.Envelope{
		Body:          out,
		InvoiceNumber: inv.Number,
		IssuerNIF:     inv.IssuerNIF,
	}, nil
}

// groupByRate merges lines with equal rates and returns blocks in ascending
// rate order so output stays deterministic regardless of input order.
func groupByRate(lines []fiscal.TaxLine) []taxBlock {
	byRate := make(map[string]*taxBlock)
	for _, line := range lines {
		key := amount(line.Rate)
		block, ok := byRate[key]
		if !ok {
			block = &taxBlock{rate: line.Rate}
			byRate[key] = block
		}
		block.base = block.base.Add(line.Base)
		block.tax = block.tax.Add(line.Tax)
	}

	blocks := make([]taxBlock, 0, len(byRate))
	for _, block := range byRate {
		blocks = append(blocks, *block)
	}
	sort.Slice(blocks, func(i, j int) bool {
		return blocks[i].rate.Cmp(blocks[j].rate) < 0
	})
	return blocks
}

// amount serializes a decimal with exactly two digits and a '.' separator,
// independent of the host locale.
func amount(d decimal.Decimal) string {
	return d.StringFixed(2)
}
