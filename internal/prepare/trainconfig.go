package prepare

// trainingConfig is the YAML document read by the training program.
type trainingConfig struct {
	Job    string     `yaml:"job"`
	Config jobConfig  `yaml:"config"`
	Meta   configMeta `yaml:"meta"`
}

type jobConfig struct {
	Name    string          `yaml:"name"`
	Process []processConfig `yaml:"process"`
}

type configMeta struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

type processConfig struct {
	Type           string          `yaml:"type"`
	TrainingFolder string          `yaml:"training_folder"`
	Device         string          `yaml:"device"`
	TriggerWord    string          `yaml:"trigger_word"`
	Network        networkConfig   `yaml:"network"`
	Save           saveConfig      `yaml:"save"`
	Datasets       []datasetConfig `yaml:"datasets"`
	Train          trainConfig     `yaml:"train"`
	Model          modelConfig     `yaml:"model"`
	Sample         sampleConfig    `yaml:"sample"`
}

type networkConfig struct {
	Type        string `yaml:"type"`
	Linear      int    `yaml:"linear"`
	LinearAlpha int    `yaml:"linear_alpha"`
}

type saveConfig struct {
	Dtype              string `yaml:"dtype"`
	SaveEvery          int    `yaml:"save_every"`
	MaxStepSavesToKeep int    `yaml:"max_step_saves_to_keep"`
	PushToHub          bool   `yaml:"push_to_hub"`
}

type datasetConfig struct {
	FolderPath         string  `yaml:"folder_path"`
	CaptionExt         string  `yaml:"caption_ext"`
	CaptionDropoutRate float64 `yaml:"caption_dropout_rate"`
	ShuffleTokens      bool    `yaml:"shuffle_tokens"`
	CacheLatentsToDisk bool    `yaml:"cache_latents_to_disk"`
	Resolution         []int   `yaml:"resolution"`
}

type trainConfig struct {
	BatchSize                 int     `yaml:"batch_size"`
	Steps                     int     `yaml:"steps"`
	GradientAccumulationSteps int     `yaml:"gradient_accumulation_steps"`
	TrainUnet                 bool    `yaml:"train_unet"`
	TrainTextEncoder          bool    `yaml:"train_text_encoder"`
	GradientCheckpointing     bool    `yaml:"gradient_checkpointing"`
	NoiseScheduler            string  `yaml:"noise_scheduler"`
	Optimizer                 string  `yaml:"optimizer"`
	LR                        float64 `yaml:"lr"`
	SkipFirstSample           bool    `yaml:"skip_first_sample"`
	DisableSampling           bool    `yaml:"disable_sampling"`
	Dtype                     string  `yaml:"dtype"`
}

type modelConfig struct {
	NameOrPath        string `yaml:"name_or_path"`
	AssistantLoraPath string `yaml:"assistant_lora_path,omitempty"`
	IsFlux            bool   `yaml:"is_flux"`
	Quantize          bool   `yaml:"quantize"`
	LowVRAM           bool   `yaml:"low_vram"`
}

type sampleConfig struct {
	Sampler       string   `yaml:"sampler"`
	SampleEvery   int      `yaml:"sample_every"`
	Width         int      `yaml:"width"`
	Height        int      `yaml:"height"`
	Prompts       []string `yaml:"prompts"`
	Neg           string   `yaml:"neg"`
	Seed          int      `yaml:"seed"`
	WalkSeed      bool     `yaml:"walk_seed"`
	GuidanceScale float64  `yaml:"guidance_scale"`
	SampleSteps   int      `yaml:"sample_steps"`
}
