package extraction

// instructionPrompt 固定的抽取指令，要求模型只返回四个字段的 JSON
const instructionPrompt = `You are an AI assistant specialized in extracting information from insurance documents.

Analyze this document and extract the following information:

1. **Client Number** (HIGHEST PRIORITY):
   Look for: "Client No:", "Client Number:", "Client Ref:", "Account No:", "Customer ID:"
   Common formats: "CL-12345", "AKL-9876", "C00789", alphanumeric codes

2. **Policy Number**:
   Look for: "Policy Number:", "Pol No:", "Policy Ref:", "Certificate No:"
   Common formats: "DPK 5719028", "POL-ABC123", alphanumeric with possible spaces

3. **Document Type**:
   Determine the type based on content:
   - "policy_schedule" - Coverage summary, declarations page
   - "policy_wording" - Full terms and conditions
   - "invoice" - Payment due, premium notice
   - "certificate" - Certificate of insurance, proof of coverage
   - "renewal_notice" - Renewal offer, upcoming renewal
   - "endorsement" - Policy amendment, change notice
   - "claim_document" - Claim form, claim correspondence

4. **Insurer Name**:
   Look for the insurance company name in headers, logos, or footer

Return your response as valid JSON with confidence scores (0.0 to 1.0):
{
  "clientNumber": {"value": "extracted value or null", "confidence": 0.95},
  "policyNumber": {"value": "extracted value or null", "confidence": 0.98},
  "documentType": {"value": "one of the types above", "confidence": 0.99},
  "insurer": {"value": "insurer name or null", "confidence": 0.90}
}

IMPORTANT:
- If a field is not found, set value to null and confidence to 0
- Confidence should reflect how certain you are about the extraction
- Only return the JSON object, no other text`

// subjectContext 邮件主题作为额外上下文附加在指令后，主题为空时不附加
func subjectContext(subject string) string {
	if subject == "" {
		return ""
	}
	return "\n\nEmail Subject: \"" + subject + "\""
}

// textPrompt 纯文本文档：指令、主题与文档内容拼成一个文本块
func textPrompt(documentText, subject string) string {
	return instructionPrompt + subjectContext(subject) + "\n\nDocument Content:\n" + documentText
}

// pdfPrompt PDF 文档：文档块之后跟随的指令文本块
func pdfPrompt(subject string) string {
	return instructionPrompt + subjectContext(subject)
}
