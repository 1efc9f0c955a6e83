package ask

import (
	"fmt"
	"strings"

	"github.com/jinford/protocol-rag/internal/core/search"
)

const systemPrompt = "Tu es un assistant clinique pour des sages-femmes. " +
	"Tu réponds exclusivement à partir des extraits de protocoles fournis et tu réponds uniquement en JSON."

// BuildAskPrompt は番号付きの抜粋から回答を生成するためのプロンプトを構築する
// 抜粋は hits の順に [1]..[n] と番号付けされる
func BuildAskPrompt(question string, hits []*search.Hit) string {
	var sb strings.Builder

	sb.WriteString("Réponds à la question de la sage-femme en t'appuyant uniquement sur les extraits numérotés ci-dessous.\n\n")

	sb.WriteString("## Consignes\n")
	sb.WriteString("- N'utilise aucune connaissance extérieure aux extraits.\n")
	sb.WriteString("- Cite les extraits utilisés avec leur numéro entre crochets, par exemple [1] ou [2][3].\n")
	sb.WriteString("- Si les extraits ne permettent pas de répondre, mets \"found\" à false.\n")
	sb.WriteString("- Signale dans \"warnings\" les contre-indications, seuils d'alerte ou situations nécessitant un avis médical.\n\n")

	sb.WriteString("## Extraits\n")
	for i, h := range hits {
		sb.WriteString(fmt.Sprintf("### [%d] %s (page %s)\n", i+1, h.ProtocolName, pageLabel(h)))
		sb.WriteString(h.Excerpt)
		sb.WriteString("\n\n")
	}

	sb.WriteString("## Question\n")
	sb.WriteString(question)
	sb.WriteString("\n\n")

	sb.WriteString("## Format de réponse\n")
	sb.WriteString("Réponds avec un objet JSON de la forme :\n")
	sb.WriteString(`{"found": true, "answer": "réponse en français avec citations [n]", "citations": [1], "keyPoints": ["..."], "warnings": ["..."]}`)
	sb.WriteString("\n")

	return sb.String()
}

func pageLabel(h *search.Hit) string {
	if h.PageEnd > h.PageNumber {
		return fmt.Sprintf("%d-%d", h.PageNumber, h.PageEnd)
	}
	return fmt.Sprintf("%d", h.PageNumber)
}
