// Package response interprets the authority's XML replies. Matching is done
// on local element names because the authority's environments disagree on
// namespace prefixes.
package response

import (
	"errors"
	"fmt"

	"github.com/beevik/etree"

	"sii-gateway/internal/sii"
)

// Submission states as the authority spells them.
const (
	stateCorrect          = "Correcto"
	statePartiallyCorrect = "ParcialmenteCorrecto"
	stateIncorrect        = "Incorrecto"
)

var errUnrecognizedReply = errors.New("response: reply carries neither a submission state nor a fault")

// Parse maps a raw response body onto a submission outcome. A body that
// cannot be parsed, or that carries no recognizable state, is a transient
// failure: the real outcome is unknown, so it must stay safe to retry.
func Parse(raw []byte) sii.Outcome {
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(raw); err != nil {
		return sii.Transient(fmt.Errorf("response: parse reply: %w", err))
	}

	// etree keeps any namespace prefix in Element.Space, so path queries on
	// the bare tag match regardless of prefix.
	if estado := doc.FindElement("//EstadoEnvio"); estado != nil {
		return fromSubmissionState(doc, estado.Text())
	}

	// A SOAP fault is an application-level rejection (bad credentials,
	// schema violation), not a communication failure.
	if fault := doc.FindElement("//Fault"); fault != nil {
		return sii.Outcome{
			Status:           sii.StatusRejected,
			ErrorCode:        childText(fault, "faultcode"),
			ErrorDescription: childText(fault, "faultstring"),
		}
	}

	return sii.Transient(errUnrecognizedReply)
}

func fromSubmissionState(doc *etree.Document, state string) sii.Outcome {
	receipt := ""
	if csv := doc.FindElement("//CSV"); csv != nil {
		receipt = csv.Text()
	}

	switch state {
	case stateCorrect:
		return sii.Outcome{Status: sii.StatusAccepted, ReceiptID: receipt}

	case statePartiallyCorrect:
		return sii.Outcome{
			Status:     sii.StatusAcceptedWithErrors,
			ReceiptID:  receipt,
			ErrorCodes: lineErrorCodes(doc),
		}

	case stateIncorrect:
		out := sii.Outcome{Status: sii.StatusRejected}
		if line := doc.FindElement("//RespuestaLinea"); line != nil {
			out.ErrorCode = childText(line, "CodigoErrorRegistro")
			out.ErrorDescription = childText(line, "DescripcionErrorRegistro")
		}
		return out

	default:
		return sii.Transient(fmt.Errorf("response: unknown submission state %q", state))
	}
}

func lineErrorCodes(doc *etree.Document) []string {
	var codes []string
	for _, el := range doc.FindElements("//RespuestaLinea") {
		if code := childText(el, "CodigoErrorRegistro"); code != "" {
			codes = append(codes, code)
		}
	}
	return codes
}

// childText finds a descendant by local name and returns its text.
func childText(el *etree.Element, tag string) string {
	if child := el.FindElement(".//" + tag); child != nil {
		return child.Text()
	}
	return ""
}
