package packer

import "github.com/ChuLiYu/ai-orchestrator/pkg/types"

const recommendPrompt = `You are an ERP purchasing analyst. Using only the data in the context,
produce purchasing recommendations for the project.
Respond with a JSON object of this exact shape:
{
  "summary": "short paragraph",
  "stockAlerts": ["item below safe stock and why"],
  "costOpportunities": ["supplier or volume change that lowers cost"],
  "risks": ["supply or demand risk"]
}`

const recommendWithChartPrompt = `You are an ERP purchasing analyst. Using only the data in the context,
produce a titled recommendation report with a revenue chart.
Respond with a JSON object of this exact shape:
{
  "title": "report title",
  "summary": "short paragraph",
  "recommendations": ["actionable recommendation"],
  "chart": {"type": "bar", "labels": ["YYYY-MM"], "values": [0]}
}`

const summarizePrompt = `You are an ERP reporting assistant. Summarize the project using only the
data in the context. Fields you cannot fill from the context must be empty.
Respond with a JSON object of this exact shape:
{
  "project": {"name": "", "code": ""},
  "periodCoverage": {"firstSaleMonth": "YYYY-MM", "lastSaleMonth": "YYYY-MM", "distinctProducts": 0},
  "topProductsByRevenue": [{"product": "", "revenue": 0}],
  "volumeTrend": [{"yearMonth": "YYYY-MM", "quantity": 0}],
  "inventoryStatus": [{"product": "", "onHand": 0, "status": "ok|low|out"}],
  "preferredSuppliers": [{"provider": "", "reason": ""}]
}`

const extractPrompt = `You are an ERP data extraction tool. Copy the records present in the
context into normalized lists. Do not invent records.
Respond with a JSON object of this exact shape:
{
  "project": {},
  "products": [],
  "providers": [],
  "productProviders": [],
  "inventory": [],
  "sales": []
}`

const chatPrompt = `You are an ERP assistant answering questions about one project. Answer only
from the context. If the context does not contain the answer, say NOT_ENOUGH_CONTEXT.
Respond with a JSON object of this exact shape:
{
  "answer": "text",
  "used": {"products": [], "providers": [], "inventoryIds": [], "providerProductIds": [], "saleIds": []},
  "stockAlerts": []
}`

func systemPrompt(mode types.Mode) string {
	switch mode {
	case types.ModeRecommendWithChart:
		return recommendWithChartPrompt
	case types.ModeSummarize:
		return summarizePrompt
	case types.ModeExtract:
		return extractPrompt
	case types.ModeChat:
		return chatPrompt
	default:
		return recommendPrompt
	}
}

func taskLabel(mode types.Mode) string {
	switch mode {
	case types.ModeRecommendWithChart:
		return "Write the recommendation report with chart data."
	case types.ModeSummarize:
		return "Summarize the project."
	case types.ModeExtract:
		return "Extract the project records."
	case types.ModeChat:
		return "Answer the question about this project."
	default:
		return "Recommend purchasing actions."
	}
}

func sectionTask(name string) string {
	switch name {
	case SectionHeader:
		return "Fill project, periodCoverage, topProductsByRevenue and volumeTrend from this slice."
	case SectionInventory:
		return "Fill inventoryStatus from this slice."
	case SectionProviders:
		return "Fill preferredSuppliers from this slice."
	}
	return taskLabel(types.ModeSummarize)
}
