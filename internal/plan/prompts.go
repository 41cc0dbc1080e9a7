package plan

const documentSystem = `You are a seasoned business advisor preparing documents for the founder of %s, a %s business. Work strictly from the conversation history; do not invent facts the founder never stated. Write in clear, plain markdown.`

const summaryInstruction = `Write a structured review of the business plan built up in this conversation. Cover each section of the plan in a few sentences, flag anything thin or inconsistent, and end by asking the founder to approve the plan or name a question number to revisit.`

const artifactInstruction = `Write the complete business plan document: executive summary, company description, market analysis, products and services, marketing and sales strategy, operations, and financial overview. Use the founder's own answers as source material and keep each section self-contained.`

const budgetInstruction = `Produce a startup budget estimate for the first twelve months. List one-time costs and recurring monthly costs as markdown tables with realistic figures for this kind of business, then a short paragraph on total capital needed and the biggest cost risks.`

const roadmapInstruction = `Produce an execution roadmap from today to launch and the first six months of operation. Organize it into phases with concrete milestones, owners (assume a small founding team), and rough timeframes. Close with the three highest-priority next actions.`
