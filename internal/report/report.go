// Package report renders stored reports as Markdown blocks for delivery.
package report

import (
	"fmt"
	"strings"
	"time"

	"github.com/TobiSchelling/ChatAudit/internal/database"
)

// FallbackCounterpart is shown when no counterpart name was recorded.
const FallbackCounterpart = "не указан"

type criterion struct {
	label string
	pick  func(r database.Report) database.Assessment
}

var criteria = []criterion{
	{"Тональность", func(r database.Report) database.Assessment { return r.Tonality }},
	{"Профессионализм", func(r database.Report) database.Assessment { return r.Professionalism }},
	{"Ясность", func(r database.Report) database.Assessment { return r.Clarity }},
	{"Решение проблем", func(r database.Report) database.Assessment { return r.ProblemSolving }},
	{"Работа с возражениями", func(r database.Report) database.Assessment { return r.ObjectionHandling }},
	{"Завершение", func(r database.Report) database.Assessment { return r.Closure }},
}

// Formatter renders reports with dates shown in Location (UTC when nil).
type Formatter struct {
	Location *time.Location
}

// Format renders r with UTC dates.
func Format(r database.Report) string {
	return Formatter{}.Format(r)
}

func (f Formatter) date(t time.Time) string {
	loc := f.Location
	if loc == nil {
		loc = time.UTC
	}
	return t.In(loc).Format(database.DateLayout)
}

// Format renders every field of r in a fixed order. Missing snapshot dates
// drop their line.
func (f Formatter) Format(r database.Report) string {
	var b strings.Builder

	counterpart := r.CounterpartName
	if counterpart == "" {
		counterpart = FallbackCounterpart
	}

	fmt.Fprintf(&b, "**Чат по объявлению:** %s\n", r.ConversationTitle)
	fmt.Fprintf(&b, "**Клиент:** %s\n", counterpart)
	if r.ConversationCreatedAt != nil {
		fmt.Fprintf(&b, "**Дата создания:** %s\n", f.date(*r.ConversationCreatedAt))
	}
	if r.ConversationUpdatedAt != nil {
		fmt.Fprintf(&b, "**Дата последнего сообщения:** %s\n", f.date(*r.ConversationUpdatedAt))
	}
	b.WriteString("\n")

	fmt.Fprintf(&b, "**Общее количество сообщений:** %d\n", r.TotalMessages)
	fmt.Fprintf(&b, "**Сообщений от менеджера:** %d\n", r.BusinessMessages)
	fmt.Fprintf(&b, "**Сообщений от клиента:** %d\n", r.CounterpartMessages)
	if !r.AnalyzedAt.IsZero() {
		fmt.Fprintf(&b, "**Дата анализа:** %s\n", f.date(r.AnalyzedAt))
	}

	b.WriteString("\n**Оценка ИИ:**\n\n")
	for _, c := range criteria {
		a := c.pick(r)
		fmt.Fprintf(&b, "- **%s:** %s\n", c.label, a.Grade)
		if a.Comment != "" {
			fmt.Fprintf(&b, "  *%s*\n", a.Comment)
		}
	}

	fmt.Fprintf(&b, "\n**Итог:**\n%s\n", r.Summary)
	fmt.Fprintf(&b, "\n**Рекомендации:**\n%s\n", r.Recommendations)
	return b.String()
}

// FormatAll renders reports separated by horizontal rules.
func (f Formatter) FormatAll(reports []database.Report) string {
	blocks := make([]string, 0, len(reports))
	for _, r := range reports {
		blocks = append(blocks, f.Format(r))
	}
	return strings.Join(blocks, "\n---\n\n")
}

// FormatDigest is the opening line of the daily digest for day.
func (f Formatter) FormatDigest(reports []database.Report, day time.Time) string {
	return fmt.Sprintf("**Ежедневный отчет за %s**\nВсего отчетов: %d\n", f.date(day), len(reports))
}
