package api

const createEntrySchema = `{
  "type": "object",
  "additionalProperties": false,
  "required": ["customer_id", "customer_name", "transaction_type", "date", "created_by"],
  "properties": {
    "customer_id": {"type": "string", "minLength": 1, "maxLength": 64},
    "customer_name": {"type": "string", "minLength": 1, "maxLength": 255},
    "transaction_type": {"type": "string", "enum": ["invoice", "payment", "adjustment", "credit_note", "debit_note"]},
    "transaction_id": {"type": "string", "maxLength": 64},
    "transaction_number": {"type": "string", "maxLength": 64},
    "date": {"type": "string", "format": "date"},
    "description": {"type": "string", "maxLength": 1024},
    "debit": {"type": "number", "minimum": 0},
    "credit": {"type": "number", "minimum": 0},
    "payment_method": {"type": "string", "maxLength": 64},
    "reference": {"type": "string", "maxLength": 255},
    "created_by": {"type": "string", "minLength": 1, "maxLength": 255}
  }
}`

const updateEntrySchema = `{
  "type": "object",
  "additionalProperties": false,
  "properties": {
    "debit": {"type": "number", "minimum": 0},
    "credit": {"type": "number", "minimum": 0},
    "date": {"type": "string", "format": "date"},
    "description": {"type": "string", "maxLength": 1024},
    "payment_method": {"type": "string", "maxLength": 64},
    "reference": {"type": "string", "maxLength": 255}
  }
}`
