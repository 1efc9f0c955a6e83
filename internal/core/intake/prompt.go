package intake

import "strings"

// DefaultCategory はカテゴリを提案できなかった場合の値
const DefaultCategory = "Non classé"

// suggestedCategories は分類プロンプトに例示するカテゴリ（自由記述を妨げない）
var suggestedCategories = []string{
	"Grossesse",
	"Accouchement",
	"Post-partum",
	"Allaitement",
	"Nouveau-né",
	"Gynécologie",
	"Urgences obstétricales",
	"Pharmacologie",
	"Rééducation périnéale",
}

const classificationSystemPrompt = "Tu es un assistant documentaire pour des sages-femmes. " +
	"Tu classes des protocoles cliniques et tu réponds uniquement en JSON."

// buildClassificationPrompt は分類用プロンプトを構築する
func buildClassificationPrompt(text string) string {
	var sb strings.Builder

	sb.WriteString("Analyse l'extrait du protocole clinique ci-dessous et propose :\n")
	sb.WriteString("- \"category\" : une catégorie courte (2 à 4 mots), par exemple ")
	sb.WriteString(strings.Join(suggestedCategories, ", "))
	sb.WriteString(" ; une autre catégorie est possible si aucune ne convient.\n")
	sb.WriteString("- \"description\" : une description factuelle du protocole en une ou deux phrases.\n\n")
	sb.WriteString("Réponds uniquement avec un objet JSON de la forme ")
	sb.WriteString(`{"category": "...", "description": "..."}`)
	sb.WriteString(".\n\n")
	sb.WriteString("## Extrait du protocole\n")
	sb.WriteString(text)
	sb.WriteString("\n")

	return sb.String()
}

// truncateRunes はテキストを最大 maxChars 文字に切り詰める
func truncateRunes(text string, maxChars int) string {
	if maxChars <= 0 {
		return text
	}
	runes := []rune(text)
	if len(runes) <= maxChars {
		return text
	}
	return string(runes[:maxChars])
}
