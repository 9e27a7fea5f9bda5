package modelgw

import (
	"fmt"

	"github.com/xeipuuv/gojsonschema"
	"google.golang.org/genai"
)

// Schema pairs the provider-side response schema with a local validator.
// The provider schema shapes generation; the validator is the authority.
type Schema struct {
	Name      string
	Provider  *genai.Schema
	validator *gojsonschema.Schema
}

func mustSchema(name, raw string, provider *genai.Schema) Schema {
	v, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(raw))
	if err != nil {
		panic(fmt.Sprintf("invalid %s schema: %v", name, err))
	}
	return Schema{Name: name, Provider: provider, validator: v}
}

// Categories is the closed category set a chunk may carry.
var Categories = []string{"성적", "세특", "창체", "행특", "출결", "독서", "수상", "진로", "기타"}

// OCRBatch validates the per-batch OCR + categorization output.
var OCRBatch = mustSchema("ocr_batch", `{
  "type": "object",
  "required": ["chunks"],
  "properties": {
    "chunks": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["category", "chunk_text"],
        "properties": {
          "category": {"type": "string", "enum": ["성적", "세특", "창체", "행특", "출결", "독서", "수상", "진로", "기타"]},
          "chunk_text": {"type": "string", "minLength": 1}
        }
      }
    }
  }
}`, &genai.Schema{
	Type:     genai.TypeObject,
	Required: []string{"chunks"},
	Properties: map[string]*genai.Schema{
		"chunks": {
			Type: genai.TypeArray,
			Items: &genai.Schema{
				Type:     genai.TypeObject,
				Required: []string{"category", "chunk_text"},
				Properties: map[string]*genai.Schema{
					"category":   {Type: genai.TypeString, Enum: Categories},
					"chunk_text": {Type: genai.TypeString},
				},
			},
		},
	},
})

// QuestionBatch validates one category's generated questions.
var QuestionBatch = mustSchema("question_batch", `{
  "type": "object",
  "required": ["questions"],
  "properties": {
    "questions": {
      "type": "array",
      "maxItems": 5,
      "items": {
        "type": "object",
        "required": ["body", "difficulty"],
        "properties": {
          "body": {"type": "string", "minLength": 1, "maxLength": 2000},
          "difficulty": {"type": "string", "enum": ["BASIC", "DEEP"]},
          "model_answer": {"type": "string"},
          "purpose": {"type": "string"}
        }
      }
    }
  }
}`, &genai.Schema{
	Type:     genai.TypeObject,
	Required: []string{"questions"},
	Properties: map[string]*genai.Schema{
		"questions": {
			Type: genai.TypeArray,
			Items: &genai.Schema{
				Type:     genai.TypeObject,
				Required: []string{"body", "difficulty"},
				Properties: map[string]*genai.Schema{
					"body":         {Type: genai.TypeString},
					"difficulty":   {Type: genai.TypeString, Enum: []string{"BASIC", "DEEP"}},
					"model_answer": {Type: genai.TypeString},
					"purpose":      {Type: genai.TypeString},
				},
			},
		},
	},
})

// AnswerEvaluation validates the analyzer's scoring of one candidate answer.
var AnswerEvaluation = mustSchema("answer_evaluation", `{
  "type": "object",
  "required": ["score", "feedback"],
  "properties": {
    "score": {"type": "integer", "minimum": 0, "maximum": 100},
    "feedback": {"type": "string"},
    "strength_tags": {"type": "array", "items": {"type": "string"}},
    "weakness_tags": {"type": "array", "items": {"type": "string"}}
  }
}`, &genai.Schema{
	Type:     genai.TypeObject,
	Required: []string{"score", "feedback"},
	Properties: map[string]*genai.Schema{
		"score":         {Type: genai.TypeInteger},
		"feedback":      {Type: genai.TypeString},
		"strength_tags": {Type: genai.TypeArray, Items: &genai.Schema{Type: genai.TypeString}},
		"weakness_tags": {Type: genai.TypeArray, Items: &genai.Schema{Type: genai.TypeString}},
	},
})

// NextQuestion validates a follow-up or new-topic question.
var NextQuestion = mustSchema("next_question", `{
  "type": "object",
  "required": ["question"],
  "properties": {
    "question": {"type": "string", "minLength": 1, "maxLength": 2000}
  }
}`, &genai.Schema{
	Type:     genai.TypeObject,
	Required: []string{"question"},
	Properties: map[string]*genai.Schema{
		"question": {Type: genai.TypeString},
	},
})

// WrapUpReport validates the final interview report.
var WrapUpReport = mustSchema("wrap_up_report", `{
  "type": "object",
  "required": ["closing_message", "scores", "detailed_analysis"],
  "properties": {
    "closing_message": {"type": "string"},
    "scores": {
      "type": "object",
      "required": ["전공적합성", "인성", "발전가능성", "의사소통능력", "총점"],
      "properties": {
        "전공적합성": {"type": "integer", "minimum": 0, "maximum": 100},
        "인성": {"type": "integer", "minimum": 0, "maximum": 100},
        "발전가능성": {"type": "integer", "minimum": 0, "maximum": 100},
        "의사소통능력": {"type": "integer", "minimum": 0, "maximum": 100},
        "총점": {"type": "integer", "minimum": 0, "maximum": 100}
      }
    },
    "strength_tags": {"type": "array", "items": {"type": "string"}},
    "weakness_tags": {"type": "array", "items": {"type": "string"}},
    "detailed_analysis": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["question", "evaluation"],
        "properties": {
          "question": {"type": "string"},
          "response_time": {"type": "number"},
          "evaluation": {"type": "string"},
          "improvement_point": {"type": "string"},
          "supplement_needed": {"type": "string"}
        }
      }
    }
  }
}`, &genai.Schema{
	Type:     genai.TypeObject,
	Required: []string{"closing_message", "scores", "detailed_analysis"},
	Properties: map[string]*genai.Schema{
		"closing_message": {Type: genai.TypeString},
		"scores": {
			Type:     genai.TypeObject,
			Required: []string{"전공적합성", "인성", "발전가능성", "의사소통능력", "총점"},
			Properties: map[string]*genai.Schema{
				"전공적합성":  {Type: genai.TypeInteger},
				"인성":     {Type: genai.TypeInteger},
				"발전가능성":  {Type: genai.TypeInteger},
				"의사소통능력": {Type: genai.TypeInteger},
				"총점":     {Type: genai.TypeInteger},
			},
		},
		"strength_tags": {Type: genai.TypeArray, Items: &genai.Schema{Type: genai.TypeString}},
		"weakness_tags": {Type: genai.TypeArray, Items: &genai.Schema{Type: genai.TypeString}},
		"detailed_analysis": {
			Type: genai.TypeArray,
			Items: &genai.Schema{
				Type:     genai.TypeObject,
				Required: []string{"question", "evaluation"},
				Properties: map[string]*genai.Schema{
					"question":          {Type: genai.TypeString},
					"response_time":     {Type: genai.TypeNumber},
					"evaluation":        {Type: genai.TypeString},
					"improvement_point": {Type: genai.TypeString},
					"supplement_needed": {Type: genai.TypeString},
				},
			},
		},
	},
})
