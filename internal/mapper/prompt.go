package mapper

import (
	"fmt"
	"strings"

	"github.com/TobiSchelling/ChatAudit/internal/database"
	"github.com/TobiSchelling/ChatAudit/internal/llm"
)

const (
	businessLabel    = "[МЕНЕДЖЕР]"
	counterpartLabel = "[КЛИЕНТ]"
)

// The grading service parses replies against this schema; changing it changes the contract.
const systemPrompt = `Ты — AI-ассистент для контроля качества коммуникации менеджеров в компании.
Твоя задача — строго проанализировать диалог и вернуть ответ в формате JSON, без любых других пояснений до или после.
ВСЕГДА следуй предложенной схеме JSON.
ВСЕ части ответа, включая комментарии и рекомендации, ДОЛЖНЫ быть написаны на РУССКОМ ЯЗЫКЕ.
ЗАПРЕЩЕНО использовать английские слова и термины.`

const userPromptTemplate = `Проанализируй диалог менеджера с клиентом в чате "%s".
Учти, что [КЛИЕНТ] — это потенциальный покупатель, а [МЕНЕДЖЕР] — это сотрудник компании.

Сообщения от КОМПАНИИ помечены [МЕНЕДЖЕР], от КЛИЕНТА - [КЛИЕНТ].

ПРОАНАЛИЗИРУЙ СООБЩЕНИЯ [МЕНЕДЖЕР] и дай развернутую оценку по следующим критериям. Для каждого критерия дай ОБЩУЮ ОЦЕНКУ ("Высокая", "Средняя", "Низкая") и КРАТКОЕ ПОЯСНЕНИЕ на 1-2 предложения на русском языке.

КРИТЕРИИ:
1.  **Тональность коммуникации**: Общий эмоциональный настрой и вежливость.
2.  **Профессионализм**: Использование корректной терминологии, компетентность в вопросах.
3.  **Ясность изложения**: Насколько понятно, четко и структурировано менеджер доносит информацию.
4.  **Решение проблем**: Способность выявлять потребности клиента и предлагать релевантные решения.
5.  **Работа с возражениями**: Эффективность реакции на сомнения или негатив клиента. Если возражений не было, поставь оценку 'Нет возражений'.
6.  **Завершение диалога**: Была ли сделана попытка корректно завершить коммуникацию (зафиксировать следующий шаг, попрощаться).

ВСЕ оценки, комментарии и рекомендации ДОЛЖНЫ БЫТЬ НАПИСАНЫ НА РУССКОМ ЯЗЫКЕ. ЗАПРЕЩЕНО использовать английские слова, заменяй их русскими аналогами.

В конце дай:
- **Итоговую оценку**: Краткое резюме на 1-3 предложения на русском языке.
- **Рекомендации**: 1-3 конкретных совета, что менеджер мог бы сделать лучше на русском языке

ВЕРНИ ОТВЕТ В ФОРМАТЕ JSON СТРОГО И ТОЧНО ПО СЛЕДУЮЩЕЙ СХЕМЕ. НЕ ДОБАВЛЯЙ никаких других полей.

{
  "tonality": {
    "grade": "Высокая",
    "comment": "Менеджер сохранял доброжелательный и уважительный тон на протяжении всего диалога."
  },
  "professionalism": {
    "grade": "Средняя",
    "comment": "Использовал корректную терминологию, но не уточнил важные технические детали по установке."
  },
  "clarity": {
    "grade": "Высокая",
    "comment": "Ответы были четкими и по делу, клиенту было легко понять варианты и цены."
  },
  "problem_solving": {
    "grade": "Низкая",
    "comment": "Не предложил альтернативу при отказе клиента от дорогого варианта."
  },
  "objection_handling": {
    "grade": "Нет возражений",
    "comment": "В диалоге возражений со стороны клиента не было."
  },
  "closure": {
    "grade": "Высокая",
    "comment": "Диалог завершен корректно, клиент приглашен для дальнейшего обращения."
  },
  "summary": "Менеджер вежлив и коммуникабелен, но не проявил гибкости в продажах. Клиент ушел на подумать без конкретного решения.",
  "recommendations": "Отработать технику предложения альтернатив. Заранее готовить ответы на частые возражения по цене."
}

ДИАЛОГ:
%s`

// FormatTranscript renders messages as labelled two-party turns separated by blank lines.
func FormatTranscript(msgs []database.Message) string {
	lines := make([]string, 0, len(msgs))
	for _, m := range msgs {
		label := counterpartLabel
		if m.IsBusiness {
			label = businessLabel
		}
		lines = append(lines, label+"\n- "+m.Text)
	}
	return strings.Join(lines, "\n\n")
}

// BuildGradingRequest embeds the conversation transcript in the grading instructions.
func BuildGradingRequest(conv *database.ConversationForAnalysis) llm.Prompt {
	return llm.Prompt{
		System: systemPrompt,
		User:   strings.TrimSpace(fmt.Sprintf(userPromptTemplate, conv.Title, FormatTranscript(conv.Messages))),
	}
}
